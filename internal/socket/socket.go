// Package socket implements the socket façade: open_named_socket /
// open_uri dispatch, resolving a host through a pluggable resolver and
// handing back a dialled net.Conn. The connection is not plugged onto
// an xfer.Interface; callers use the net.Conn directly.
//
// Grounded on caddyserver-caddy/listeners.go and interface.go's custom
// network-dispatch idiom (RegisterNetwork / getInterfaceListener):
// here the same "look up a handler by a short network/kind tag, then
// dial" shape resolves a socket kind instead of a listener network.
package socket

import (
	"context"
	"fmt"
	"net"
)

// Kind selects the transport socket type, mirroring kind ∈
// {STREAM, DGRAM} from spec.md §4.3.
type Kind int

const (
	Stream Kind = iota
	Dgram
)

// Resolver resolves a hostname to a list of IP addresses. The default
// implementation wraps net.DefaultResolver; internal/socket/dns.go
// supplies a miekg/dns-backed resolver for callers that want to bypass
// the system resolver the way iPXE's own DNS settings block does.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens the transport connection once a destination address has
// been resolved. Stream dials a net.Conn; Dgram dials a connected
// net.PacketConn-as-net.Conn (net.Dial("udp", ...) already returns a
// *net.UDPConn satisfying net.Conn for the connected case).
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct{ d net.Dialer }

func (n netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

// DefaultDialer dials with the standard library's net.Dialer.
var DefaultDialer Dialer = netDialer{}

// Facade resolves hosts and dials sockets on behalf of URI openers. It
// holds the pluggable resolver/dialer so tests can substitute fakes
// without touching the network.
type Facade struct {
	Resolver Resolver
	Dialer   Dialer
}

// New returns a Facade using the system resolver and dialer.
func New() *Facade {
	return &Facade{Resolver: systemResolver{}, Dialer: DefaultDialer}
}

type systemResolver struct{}

func (systemResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// OpenNamedSocket resolves host (unless it is already a literal
// address) and dials a transport socket of the given kind to
// host:port, honouring an IPv6 zone ID in host by passing it straight
// through to net.Dial (Go's net package resolves scope IDs against
// net.Interface the same way the original's "net-device selection by
// scope ID" does).
func (f *Facade) OpenNamedSocket(ctx context.Context, kind Kind, host string, port uint16) (net.Conn, error) {
	addrs := []string{host}
	if net.ParseIP(stripZone(host)) == nil {
		var err error
		addrs, err = f.Resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("socket: resolve %q: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("socket: %q resolved to no addresses", host)
		}
	}

	network := "tcp"
	if kind == Dgram {
		network = "udp"
	}

	var lastErr error
	for _, addr := range addrs {
		target := net.JoinHostPort(addr, fmt.Sprintf("%d", port))
		conn, err := f.Dialer.DialContext(ctx, network, target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("socket: dial %s:%d: %w", host, port, lastErr)
}

func stripZone(host string) string {
	for i := 0; i < len(host); i++ {
		if host[i] == '%' {
			return host[:i]
		}
	}
	return host
}
