package dnsbroker

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// PropagationChecker reports whether a TXT record at fqdn currently carries
// expectedValue.
type PropagationChecker interface {
	CheckPropagation(ctx context.Context, fqdn, expectedValue string) (bool, error)
}

// Resolver checks propagation against a set of public recursive resolvers
// using github.com/miekg/dns, matching spec's "poll public recursive
// resolvers" requirement. Both the observed and expected TXT values are
// unquoted before comparison.
type Resolver struct {
	// Servers are "host:port" resolver addresses, tried in order; the
	// first to answer NOERROR decides the result, while a transport error,
	// NXDOMAIN or other rcode moves on to the next server. Defaults to
	// public Cloudflare/Google resolvers if empty.
	Servers []string
	client  *dns.Client
}

// NewResolver creates a Resolver with the default public server set.
func NewResolver(servers ...string) *Resolver {
	if len(servers) == 0 {
		servers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	return &Resolver{Servers: servers, client: new(dns.Client)}
}

func (r *Resolver) CheckPropagation(ctx context.Context, fqdn, expectedValue string) (bool, error) {
	expected := unquoteTXT(expectedValue)

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.Servers {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			// NXDOMAIN is a valid "not propagated yet" answer, not an error.
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resolver %s: rcode %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		for _, rr := range resp.Answer {
			txt, ok := rr.(*dns.TXT)
			if !ok {
				continue
			}
			for _, chunk := range txt.Txt {
				if unquoteTXT(chunk) == expected {
					return true, nil
				}
			}
		}
		return false, nil
	}

	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// MemoryResolver checks propagation directly against a MemoryProvider,
// bypassing real DNS — used in tests that exercise the full broker flow
// without a network.
type MemoryResolver struct {
	Provider *MemoryProvider
}

func (r *MemoryResolver) CheckPropagation(_ context.Context, fqdn, expectedValue string) (bool, error) {
	value, ok := r.Provider.Lookup(fqdn)
	if !ok {
		return false, nil
	}
	return unquoteTXT(value) == unquoteTXT(expectedValue), nil
}
