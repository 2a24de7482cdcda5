package pxecore

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the pipeline's Prometheus instrumentation: bytes
// delivered to block-device/byte-stream consumers, TCP retransmits,
// SLAM NACKs, and OCSP cache hits, wired into the process lifecycle
// the way caddy's internal/metrics registers client_golang collectors
// against its own app lifecycle.
type Metrics struct {
	Registry *prometheus.Registry

	BytesDelivered   prometheus.Counter
	TCPRetransmits   prometheus.Counter
	SLAMNacksSent    prometheus.Counter
	SLAMBlocksMissed prometheus.Gauge
	OCSPCacheHits    prometheus.Counter
	OCSPCacheMisses  prometheus.Counter
	HTTPRedirects    prometheus.Counter
}

// NewMetrics constructs and registers every collector against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BytesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxecore",
			Name:      "bytes_delivered_total",
			Help:      "Total bytes delivered to downstream consumers across all protocols.",
		}),
		TCPRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxecore",
			Subsystem: "tcp",
			Name:      "retransmits_total",
			Help:      "Total TCP segment retransmissions.",
		}),
		SLAMNacksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxecore",
			Subsystem: "slam",
			Name:      "nacks_sent_total",
			Help:      "Total SLAM NACK datagrams sent.",
		}),
		SLAMBlocksMissed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pxecore",
			Subsystem: "slam",
			Name:      "blocks_missing",
			Help:      "Current count of not-yet-received blocks in the active SLAM transfer.",
		}),
		OCSPCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxecore",
			Subsystem: "ocsp",
			Name:      "cache_hits_total",
			Help:      "OCSP validation cache hits.",
		}),
		OCSPCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxecore",
			Subsystem: "ocsp",
			Name:      "cache_misses_total",
			Help:      "OCSP validation cache misses requiring a responder fetch.",
		}),
		HTTPRedirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxecore",
			Subsystem: "http",
			Name:      "redirects_total",
			Help:      "Total HTTP redirects observed by the transfer pipeline.",
		}),
	}

	reg.MustRegister(
		m.BytesDelivered,
		m.TCPRetransmits,
		m.SLAMNacksSent,
		m.SLAMBlocksMissed,
		m.OCSPCacheHits,
		m.OCSPCacheMisses,
		m.HTTPRedirects,
	)
	return m
}
