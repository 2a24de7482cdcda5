package httpxfer

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Transport issues one HTTP request and returns its parsed head plus a
// reader positioned at the start of the body. Implementations own the
// underlying TCP connection (internal/tcp) and Keep-Alive reuse.
type Transport interface {
	Do(req Request) (ResponseHead, *bufio.Reader, error)
}

// CapacityCache remembers a probed object length keyed by a hash of
// the host, a NUL byte, and the path, so repeated block_read_capacity calls for the same
// object don't re-issue a HEAD (§6's supplemented HEAD-caching
// feature). Safe for concurrent use.
type CapacityCache struct {
	mu    sync.Mutex
	sizes map[uint64]int64
}

// NewCapacityCache returns an empty cache.
func NewCapacityCache() *CapacityCache {
	return &CapacityCache{sizes: make(map[uint64]int64)}
}

func capacityKey(host, path string) uint64 {
	h := xxhash.New()
	_, _ = io.WriteString(h, host)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, path)
	return h.Sum64()
}

func (c *CapacityCache) get(host, path string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.sizes[capacityKey(host, path)]
	return n, ok
}

func (c *CapacityCache) set(host, path string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes[capacityKey(host, path)] = n
}

// Invalidate drops a cached capacity, called when the object's URI
// changes underneath a block device (e.g. a 301 redirect).
func (c *CapacityCache) Invalidate(host, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sizes, capacityKey(host, path))
}

// BlockDevice exposes an HTTP object as a BlockSize-sector block
// device: block_read becomes a ranged Keep-Alive GET and
// block_read_capacity becomes a (cached) HEAD, per spec.md §4.5.
type BlockDevice struct {
	Transport Transport
	Cache     *CapacityCache
	Host      string
	Port      uint16
	Path      string
	User      string // non-empty enables Basic-Auth on every request
	Pass      string
}

func (d *BlockDevice) applyAuth(req Request) Request {
	if d.User != "" {
		req.User, req.Pass, req.BasicAuth = d.User, d.Pass, true
	}
	return req
}

// ReadCapacity returns the object's length in BlockSize-sized blocks,
// consulting/populating the cache before issuing a HEAD.
func (d *BlockDevice) ReadCapacity() (blocks int64, err error) {
	if n, ok := d.Cache.get(d.Host, d.Path); ok {
		return (n + BlockSize - 1) / BlockSize, nil
	}

	head, body, err := d.Transport.Do(d.applyAuth(CapacityRequest(d.Host, d.Port, d.Path)))
	if err != nil {
		return 0, err
	}
	if err := CheckUnsolicited(true, peekAny(body)); err != nil {
		return 0, err
	}
	if ClassifyStatus(head.Code) != StatusOK {
		return 0, fmt.Errorf("httpxfer: HEAD %s%s: status %d", d.Host, d.Path, head.Code)
	}
	if !head.HasLength {
		return 0, fmt.Errorf("httpxfer: HEAD %s%s: no Content-Length", d.Host, d.Path)
	}
	d.Cache.set(d.Host, d.Path, head.ContentLength)
	return (head.ContentLength + BlockSize - 1) / BlockSize, nil
}

// ReadBlocks reads count blocks starting at lba into buf (which must
// be count*BlockSize bytes), via a ranged GET.
func (d *BlockDevice) ReadBlocks(lba, count int64, buf []byte) error {
	if int64(len(buf)) < count*BlockSize {
		return fmt.Errorf("httpxfer: buffer too small for %d blocks", count)
	}
	req := d.applyAuth(RangeRequest(d.Host, d.Port, d.Path, lba, count))
	head, body, err := d.Transport.Do(req)
	if err != nil {
		return err
	}
	if ClassifyStatus(head.Code) != StatusOK {
		return fmt.Errorf("httpxfer: GET %s%s: status %d", d.Host, d.Path, head.Code)
	}

	var n int
	if head.Chunked {
		data, derr := DecodeChunked(body)
		if derr != nil {
			return derr
		}
		n = copy(buf, data)
	} else {
		n, err = io.ReadFull(body, buf[:count*BlockSize])
		if err != nil {
			return err
		}
	}
	if int64(n) < count*BlockSize {
		return fmt.Errorf("httpxfer: short read: got %d of %d bytes", n, count*BlockSize)
	}
	return nil
}

// Redirect updates the device's target and invalidates any cached
// capacity for the old one, matching Location-triggered xfer_redirect.
func (d *BlockDevice) Redirect(host string, port uint16, path string) {
	d.Cache.Invalidate(d.Host, d.Path)
	d.Host, d.Port, d.Path = host, port, path
}

func peekAny(r *bufio.Reader) int {
	if r == nil {
		return 0
	}
	if _, err := r.Peek(1); err != nil {
		return 0
	}
	return 1
}
