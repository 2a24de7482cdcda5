package pxecore

import (
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	xocsp "golang.org/x/crypto/ocsp"

	"github.com/pxeboot/corepipe/internal/ocsp"
)

// OCSPResult pairs a validated response with its raw DER encoding, the
// form a caller would staple onto a TLS handshake or log for audit.
type OCSPResult struct {
	Response *xocsp.Response
	DER      []byte
}

// OCSPChecker wraps internal/ocsp with the process-wide response cache
// and Prometheus counters, the Runtime-level analogue of caddytls's
// stapleOCSP wired against a live metrics registry instead of a
// certificate-magic storage backend.
type OCSPChecker struct {
	cache   *ocsp.Cache
	metrics *Metrics
	margin  time.Duration
	client  *http.Client
}

// NewOCSPChecker builds a checker using margin and an http.Client
// dedicated to responder fetches (kept separate from any block-device
// transport since OCSP is a side channel, not the data path proper).
func NewOCSPChecker(margin Duration, metrics *Metrics) *OCSPChecker {
	std := margin.Std()
	if std == 0 {
		std = ocsp.DefaultMargin
	}
	return &OCSPChecker{
		cache:   ocsp.NewCache(),
		metrics: metrics,
		margin:  std,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Check validates leaf against issuer via responderURL (falling back
// to leaf's own AuthorityInfoAccess OCSP server when responderURL is
// empty), consulting the cache before issuing a fetch.
func (c *OCSPChecker) Check(leaf, issuer *x509.Certificate, responderURL string) (*OCSPResult, error) {
	if responderURL == "" {
		if len(leaf.OCSPServer) == 0 {
			return nil, fmt.Errorf("pxecore: certificate has no OCSP responder and none was given")
		}
		responderURL = leaf.OCSPServer[0]
	}

	now := time.Now()
	if resp, der, ok := c.cache.Get(leaf.SerialNumber.Bytes(), now); ok {
		c.bumpHit()
		return &OCSPResult{Response: resp, DER: der}, nil
	}
	c.bumpMiss()

	der, getURL, err := ocsp.Request(leaf, issuer, responderURL)
	if err != nil {
		return nil, err
	}
	respDER, err := ocsp.Fetch(c.client, getURL)
	if err != nil {
		return nil, err
	}
	resp, err := ocsp.Validate(respDER, issuer, der, c.margin, nil)
	if err != nil {
		return nil, err
	}
	c.cache.Put(leaf.SerialNumber.Bytes(), respDER, resp)
	return &OCSPResult{Response: resp, DER: respDER}, nil
}

func (c *OCSPChecker) bumpHit() {
	if c.metrics != nil {
		c.metrics.OCSPCacheHits.Inc()
	}
}

func (c *OCSPChecker) bumpMiss() {
	if c.metrics != nil {
		c.metrics.OCSPCacheMisses.Inc()
	}
}
