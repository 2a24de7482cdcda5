package socket

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver issues A/AAAA queries directly with miekg/dns instead of
// going through the OS resolver, the Go-native analogue of iPXE's own
// DNS settings block (a self-contained resolver the stack owns rather
// than delegating to the platform).
type DNSResolver struct {
	Servers []string // "ip:port", tried round-robin from a shared cursor
	Client  *dns.Client

	next uint32 // round-robin cursor across Servers
}

// NewDNSResolver returns a resolver that queries servers round-robin,
// defaulting to a 2-second UDP timeout per query.
func NewDNSResolver(servers ...string) *DNSResolver {
	if len(servers) == 0 {
		servers = []string{"8.8.8.8:53"}
	}
	return &DNSResolver{
		Servers: servers,
		Client:  &dns.Client{Timeout: 2 * time.Second},
	}
}

// LookupHost implements Resolver, querying A then AAAA and merging the
// results, trying each configured server in turn on failure.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	var addrs []string
	var lastErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, err := r.exchange(ctx, msg)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, v.A.String())
			case *dns.AAAA:
				addrs = append(addrs, v.AAAA.String())
			}
		}
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("dns: lookup %q: %w", host, lastErr)
		}
		return nil, fmt.Errorf("dns: %q has no A/AAAA records", host)
	}
	return addrs, nil
}

func (r *DNSResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for i := 0; i < len(r.Servers); i++ {
		idx := int(atomic.AddUint32(&r.next, 1)-1) % len(r.Servers)
		server := r.Servers[idx]
		resp, _, err := r.Client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("server %s: %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
