package pxecore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pxeboot/corepipe/internal/opener"
	"github.com/pxeboot/corepipe/internal/sanboot"
	"github.com/pxeboot/corepipe/internal/socket"
	"github.com/pxeboot/corepipe/internal/tcp"
	"github.com/pxeboot/corepipe/internal/uri"
	"github.com/pxeboot/corepipe/internal/xfer"
)

// Runtime is the single aggregate holding every process-wide singleton
// spec.md §5 enumerates (TCB table, cwuri, opener registry, SAN drive
// registry) as explicit fields, per DESIGN NOTES §9's "model as a
// single Runtime aggregate passed explicitly, not as globals, to make
// testing possible".
//
// Grounded on caddy.go's Context/App aggregation and modules.go's
// registry pattern, collapsed here into one struct since this
// pipeline has a single long-lived process rather than caddy's
// hot-reloadable module graph.
type Runtime struct {
	Config  *Config
	Log     *zap.Logger
	Metrics *Metrics

	Socket    *socket.Facade
	Opener    *opener.Registry
	TCP       *tcp.Table
	Scheduler *xfer.Scheduler
	SAN       *sanboot.Registry
	OCSP      *OCSPChecker

	mu        sync.Mutex
	cwuri     *uri.URI
	schedStop context.CancelFunc
	schedDone chan struct{}
}

// New builds a Runtime from cfg: opens logging, constructs the socket
// façade (optionally backed by the miekg/dns resolver when
// cfg.DNS.Servers is set), the opener registry, TCP connection table,
// SAN drive registry, and the metrics registry.
func New(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	log, err := openLogs(cfg.Log)
	if err != nil {
		return nil, err
	}

	facade := socket.New()
	if len(cfg.DNS.Servers) > 0 {
		facade.Resolver = socket.NewDNSResolver(cfg.DNS.Servers...)
	}

	sanRegistry, err := sanboot.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("pxecore: build SAN registry: %w", err)
	}

	metrics := NewMetrics()

	sched := xfer.NewScheduler(256)
	schedCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler exited", zap.Error(err))
		}
	}()

	return &Runtime{
		Config:    cfg,
		Log:       log,
		Metrics:   metrics,
		Socket:    facade,
		Opener:    opener.New(facade, sched),
		TCP:       tcp.NewTable(),
		Scheduler: sched,
		SAN:       sanRegistry,
		OCSP:      NewOCSPChecker(cfg.OCSP.Margin, metrics),
		schedStop: stop,
		schedDone: done,
	}, nil
}

// CWURI returns the process-wide "current working URI" that relative
// URI resolution is anchored to, per spec.md §4.2's churi().
func (r *Runtime) CWURI() *uri.URI {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cwuri
}

// Churi sets the process-wide current working URI, the Go analogue of
// churi(uri) mutating cwuri in place.
func (r *Runtime) Churi(u *uri.URI) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cwuri = u
}

// ResolveAgainstCWURI resolves a possibly-relative URI string against
// the current working URI, falling back to parsing it standalone when
// no CWURI has been set yet.
func (r *Runtime) ResolveAgainstCWURI(relative string) *uri.URI {
	base := r.CWURI()
	if base == nil {
		return uri.Parse(relative)
	}
	return uri.Resolve(base, relative)
}

// Close releases Runtime-owned resources: it stops the scheduler
// goroutine and waits for it to return before flushing the logger.
// TCP/SAN/opener state has no open file descriptors of its own to
// release outside of what socket.Facade's callers already manage per
// connection.
func (r *Runtime) Close() error {
	if r.schedStop != nil {
		r.schedStop()
		<-r.schedDone
	}
	return r.Log.Sync()
}
