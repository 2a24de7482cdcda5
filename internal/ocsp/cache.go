package ocsp

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/ocsp"
)

// entry is one cached, already-validated response.
type entry struct {
	resp    *ocsp.Response
	der     []byte
	expires time.Time
}

// Cache memorises validated OCSP responses keyed by the certificate
// serial number, so a repeated check for the same certificate within
// its validity window skips the network round trip — the same
// cache-then-fetch shape as caddy's stapleOCSP.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]entry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[uint64]entry)}
}

func serialKey(serialDER []byte) uint64 {
	return xxhash.Sum64(serialDER)
}

// Get returns the cached response for a certificate's DER-encoded
// serial number, if present and not past its nextUpdate.
func (c *Cache) Get(serialDER []byte, now time.Time) (*ocsp.Response, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[serialKey(serialDER)]
	if !ok || now.After(e.expires) {
		return nil, nil, false
	}
	return e.resp, e.der, true
}

// Put stores a validated response, keyed by the certificate's
// DER-encoded serial number, expiring at resp.NextUpdate (or
// immediately if the responder didn't set one).
func (c *Cache) Put(serialDER, der []byte, resp *ocsp.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := resp.NextUpdate
	if exp.IsZero() {
		exp = resp.ThisUpdate
	}
	c.entries[serialKey(serialDER)] = entry{resp: resp, der: der, expires: exp}
}
