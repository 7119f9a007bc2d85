package certmanager

import (
	"context"
	"fmt"

	"github.com/mholt/acmez/v2/acme"

	"github.com/hellas-ai/gate/internal/dnsbroker"
)

// Broker is the subset of a DNS-01 challenge broker a Solver needs, shaped
// to match controlplane.Client's RPC signatures exactly: the daemon always
// drives this through the relay, so *controlplane.Client satisfies Broker
// directly with no adapter. A relay-local certmanager instance (if ever
// needed) would bind this to a *dnsbroker.Broker plus a fixed owner
// identity.NodeID instead.
type Broker interface {
	CreateDnsChallenge(ctx context.Context, domain, txtValue string, ttlSeconds int) <-chan dnsbroker.Item[dnsbroker.ChallengeResult]
	CheckDnsPropagation(ctx context.Context, domain, expectedValue string, timeoutSeconds int) <-chan dnsbroker.Item[dnsbroker.PropagationResult]
	CleanupDnsChallenge(domain, recordID string) dnsbroker.CleanupResult
}

// AuthorizationError reports that the DNS-01 step for one specific domain
// failed on the broker side: the TXT record could not be created, the
// propagation check returned an error, or the record did not propagate in
// time. Rejections reported by the CA itself come back as acmez errors,
// not as AuthorizationError.
type AuthorizationError struct {
	Domain        string
	ChallengeType string
	Detail        string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed for %s (%s): %s", e.Domain, e.ChallengeType, e.Detail)
}

// dns01Solver implements acmez.Solver against a Broker, translating each
// ACME DNS-01 challenge into the broker's CreateDnsChallenge /
// CheckDnsPropagation / CleanupDnsChallenge streaming calls. Grounded on
// the certmagic-shaped DNS01Solver pattern (Present/Wait/CleanUp against a
// libdns-style provider) found in the retrieved evilginx2 vendor sources,
// adapted here to Gate's broker-over-control-plane instead of a direct
// libdns.RecordSetter.
type dns01Solver struct {
	broker Broker

	recordIDs map[string]string
}

func newDNS01Solver(broker Broker) *dns01Solver {
	return &dns01Solver{broker: broker, recordIDs: make(map[string]string)}
}

// Present provisions the TXT record and waits for the broker to report it
// created, but does not itself wait for propagation — that happens in
// Wait, so acmez can poll CA-side authorization status concurrently with
// our own propagation check.
func (s *dns01Solver) Present(ctx context.Context, chal acme.Challenge) error {
	domain := chal.Identifier.Value
	value := chal.DNS01KeyAuthorization()

	var recordID string
	for item := range s.broker.CreateDnsChallenge(ctx, domain, value, 60) {
		if item.Err != nil {
			return &AuthorizationError{Domain: domain, ChallengeType: "dns-01", Detail: item.Err.Error()}
		}
		if item.Result != nil {
			recordID = item.Result.RecordID
		}
	}
	s.recordIDs[domain] = recordID
	return nil
}

// Wait blocks until the broker's propagation poll confirms the TXT record
// is visible on public resolvers, or the poll times out.
func (s *dns01Solver) Wait(ctx context.Context, chal acme.Challenge) error {
	domain := chal.Identifier.Value
	value := chal.DNS01KeyAuthorization()

	var propagated bool
	for item := range s.broker.CheckDnsPropagation(ctx, domain, value, 300) {
		if item.Err != nil {
			return &AuthorizationError{Domain: domain, ChallengeType: "dns-01", Detail: item.Err.Error()}
		}
		if item.Result != nil {
			propagated = item.Result.Propagated
		}
	}
	if !propagated {
		return &AuthorizationError{Domain: domain, ChallengeType: "dns-01", Detail: "DNS record did not propagate in time"}
	}
	return nil
}

// CleanUp best-effort removes the TXT record. Per the broker's contract
// this never fails from the caller's perspective.
func (s *dns01Solver) CleanUp(ctx context.Context, chal acme.Challenge) error {
	domain := chal.Identifier.Value
	recordID := s.recordIDs[domain]
	delete(s.recordIDs, domain)
	s.broker.CleanupDnsChallenge(domain, recordID)
	return nil
}
