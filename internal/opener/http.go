package opener

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pxeboot/corepipe/internal/blockio"
	"github.com/pxeboot/corepipe/internal/httpxfer"
	"github.com/pxeboot/corepipe/internal/socket"
	"github.com/pxeboot/corepipe/internal/uri"
)

// dialTransport implements httpxfer.Transport by dialling through a
// socket.Facade and keeping one Keep-Alive connection per host:port
// around for reuse, the same way a block device's successive
// block_read calls are expected to land on the same TCP connection
// per spec.md §4.5's "ranged Keep-Alive GET".
type dialTransport struct {
	facade *socket.Facade

	mu    sync.Mutex
	conns map[string]*pooledConn
}

type pooledConn struct {
	mu sync.Mutex
	nc net.Conn
	r  *bufio.Reader
}

// NewDialTransport returns an httpxfer.Transport dialling through
// facade.
func NewDialTransport(facade *socket.Facade) httpxfer.Transport {
	return &dialTransport{facade: facade, conns: make(map[string]*pooledConn)}
}

func (t *dialTransport) key(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (t *dialTransport) conn(ctx context.Context, host string, port uint16) (*pooledConn, error) {
	k := t.key(host, port)

	t.mu.Lock()
	pc, ok := t.conns[k]
	t.mu.Unlock()
	if ok {
		return pc, nil
	}

	nc, err := t.facade.OpenNamedSocket(ctx, socket.Stream, host, port)
	if err != nil {
		return nil, err
	}
	pc = &pooledConn{nc: nc, r: bufio.NewReader(nc)}

	t.mu.Lock()
	t.conns[k] = pc
	t.mu.Unlock()
	return pc, nil
}

func (t *dialTransport) drop(host string, port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(host, port)
	if pc, ok := t.conns[k]; ok {
		_ = pc.nc.Close()
		delete(t.conns, k)
	}
}

// Do implements httpxfer.Transport: compose and write req, parse the
// response head, and return a reader positioned at the start of the
// body. A non-Keep-Alive request's connection is dropped from the pool
// after the head is parsed so the next Do redials.
func (t *dialTransport) Do(req httpxfer.Request) (httpxfer.ResponseHead, *bufio.Reader, error) {
	pc, err := t.conn(context.Background(), req.Host, req.Port)
	if err != nil {
		return httpxfer.ResponseHead{}, nil, err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if _, err := pc.nc.Write([]byte(req.Compose())); err != nil {
		t.drop(req.Host, req.Port)
		return httpxfer.ResponseHead{}, nil, fmt.Errorf("opener: write request: %w", err)
	}

	head, err := httpxfer.ParseResponseHead(pc.r)
	if err != nil {
		t.drop(req.Host, req.Port)
		return httpxfer.ResponseHead{}, nil, fmt.Errorf("opener: parse response: %w", err)
	}

	if !req.KeepAlive {
		defer t.drop(req.Host, req.Port)
	}
	return head, pc.r, nil
}

// HTTPOpener constructs httpxfer.BlockDevice backends for http URIs,
// sharing one dialTransport and capacity cache across every
// opened device so repeated opens of the same origin reuse both the
// connection pool and the HEAD cache.
type HTTPOpener struct {
	transport httpxfer.Transport
	cache     *httpxfer.CapacityCache
}

// NewHTTPOpener builds an opener dialling through facade.
func NewHTTPOpener(facade *socket.Facade) *HTTPOpener {
	return &HTTPOpener{
		transport: NewDialTransport(facade),
		cache:     httpxfer.NewCapacityCache(),
	}
}

// Open implements BlockOpenFunc for the http scheme.
func (o *HTTPOpener) Open(ctx context.Context, u *uri.URI) (blockio.Backend, error) {
	port := u.PortNum(80)
	path := u.EPath
	if u.Query != "" {
		path += "?" + u.Query
	}
	if path == "" {
		path = "/"
	}
	dev := &httpxfer.BlockDevice{
		Transport: o.transport,
		Cache:     o.cache,
		Host:      u.Host,
		Port:      port,
		Path:      path,
	}
	if u.HasUser {
		dev.User, dev.Pass = u.User, u.Password
	}
	return &httpBackend{dev: dev}, nil
}
