// Package dnsbroker implements the relay-side DNS-01 challenge broker:
// domain-ownership gating, TXT record provisioning against an external DNS
// provider, and propagation polling against public recursive resolvers.
package dnsbroker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hellas-ai/gate/internal/gateerr"
	"github.com/hellas-ai/gate/internal/identity"
)

// Status is a DnsChallenge's lifecycle state. The graph is acyclic and
// terminal only at Propagated or Failed.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusCreating    Status = "Creating"
	StatusPropagating Status = "Propagating"
	StatusPropagated  Status = "Propagated"
	StatusFailed      Status = "Failed"
)

// Challenge is the broker's record of one DNS-01 challenge.
type Challenge struct {
	ID                uuid.UUID
	Owner             identity.NodeID
	FullName          string
	ExpectedValue     string
	ExternalRecordID  string
	Status            Status
	FailureReason     string
	Checks            uint32
	CreatedAt         time.Time
}

// Progress is one non-terminal item in a streaming RPC.
type Progress struct {
	Stage            string
	Message          string
	EtaSeconds       int
	Attempt          int
	MaxAttempts      int
	NextCheckSeconds int
}

// Item is the generic sum type for the three streaming broker RPCs: each
// channel carries zero or more Progress items followed by exactly one item
// with Result or Err set.
type Item[T any] struct {
	Progress *Progress
	Result   *T
	Err      *gateerr.Error
}

// ChallengeResult is CreateDnsChallenge's terminal success payload.
type ChallengeResult struct {
	RecordID                   string
	PropagationEstimateSeconds int
	Verified                   bool
}

// PropagationResult is CheckDnsPropagation's terminal success payload.
type PropagationResult struct {
	Propagated    bool
	TotalAttempts int
	ElapsedSeconds int
}

// CleanupResult is CleanupDnsChallenge's result. Per spec, cleanup is
// always reported as success.
type CleanupResult struct {
	RecordsRemoved int
}

// RateLimit is the static-ish rate-limit snapshot returned by GetRateLimit.
type RateLimit struct {
	MaxConcurrent    int
	CurrentCount     int
	RequestsPerHour  int
	RequestsUsed     int
	ResetTimestamp   int64
}

// Broker drives the relay-side half of DNS-01 issuance.
type Broker struct {
	baseZone string
	provider Provider
	resolver PropagationChecker

	mu         sync.Mutex
	challenges map[uuid.UUID]*Challenge
	// perOwner serialises CreateDnsChallenge calls per caller: a second
	// call from the same owner waits until the first has created its
	// record or failed. A call is not rejected because an earlier
	// challenge of the same owner is still Pending.
	perOwner map[identity.NodeID]*sync.Mutex

	rateMu    sync.Mutex
	rateUsed  int
	rateReset time.Time
}

// New creates a Broker. baseZone is the suffix every challenge domain must
// end with (e.g. "private.hellas.ai").
func New(baseZone string, provider Provider, resolver PropagationChecker) *Broker {
	return &Broker{
		baseZone:   baseZone,
		provider:   provider,
		resolver:   resolver,
		challenges: make(map[uuid.UUID]*Challenge),
		perOwner:   make(map[identity.NodeID]*sync.Mutex),
	}
}

// IsValidChallengeDomain reports whether domain is exactly one label
// followed by the broker's base zone, with that label drawn from
// [A-Za-z0-9_-] and non-empty.
func (b *Broker) IsValidChallengeDomain(domain string) bool {
	suffix := "." + b.baseZone
	if !strings.HasSuffix(domain, suffix) {
		return false
	}
	label := strings.TrimSuffix(domain, suffix)
	if label == "" || strings.Contains(label, ".") {
		return false
	}
	for _, r := range label {
		if !isLabelChar(r) {
			return false
		}
	}
	return true
}

// ownsDomain reports whether domain is owner's own assigned FQDN
// (short_hex(owner).<base_zone>), the domain-ownership closure spec.md §4.E
// requires of every DNS-01 RPC.
func (b *Broker) ownsDomain(owner identity.NodeID, domain string) bool {
	return domain == owner.ShortHex()+"."+b.baseZone
}

func isLabelChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}

func (b *Broker) ownerLock(owner identity.NodeID) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.perOwner[owner]
	if !ok {
		l = &sync.Mutex{}
		b.perOwner[owner] = l
	}
	return l
}

// CreateDnsChallenge provisions a TXT record at "_acme-challenge.<domain>"
// with txtValue, streaming Progress items and finishing with exactly one
// ChallengeResult or Err. Preconditions (domain ownership, per-caller
// serialisation) are enforced before any side effect.
func (b *Broker) CreateDnsChallenge(ctx context.Context, owner identity.NodeID, domain, txtValue string, ttl int) <-chan Item[ChallengeResult] {
	out := make(chan Item[ChallengeResult], 8)

	go func() {
		defer close(out)

		if !b.IsValidChallengeDomain(domain) || !b.ownsDomain(owner, domain) {
			out <- Item[ChallengeResult]{Err: gateerr.New(gateerr.PermissionDenied, "domain %q is not owned by caller", domain)}
			return
		}

		lock := b.ownerLock(owner)
		lock.Lock()
		defer lock.Unlock()

		if ttl < 60 {
			ttl = 60
		} else if ttl > 300 {
			ttl = 300
		}

		recordName := "_acme-challenge." + domain

		challenge := &Challenge{
			ID:            uuid.New(),
			Owner:         owner,
			FullName:      recordName,
			ExpectedValue: txtValue,
			Status:        StatusCreating,
			CreatedAt:     time.Now(),
		}
		b.mu.Lock()
		b.challenges[challenge.ID] = challenge
		b.mu.Unlock()

		out <- Item[ChallengeResult]{Progress: &Progress{Stage: "creating", Message: "Creating DNS TXT record", EtaSeconds: 30}}

		recordID, err := b.provider.CreateRecord(ctx, recordName, txtValue, ttl)
		if err != nil {
			b.mu.Lock()
			challenge.Status = StatusFailed
			challenge.FailureReason = err.Error()
			b.mu.Unlock()
			out <- Item[ChallengeResult]{Err: gateerr.New(gateerr.DnsChallengeFailed, "creating TXT record: %v", err)}
			return
		}

		b.mu.Lock()
		challenge.Status = StatusPending
		challenge.ExternalRecordID = recordID
		b.mu.Unlock()

		out <- Item[ChallengeResult]{Result: &ChallengeResult{RecordID: recordID, PropagationEstimateSeconds: 60, Verified: true}}
	}()

	return out
}

// CheckDnsPropagation polls public resolvers for the expected TXT value at
// "_acme-challenge.<domain>" every 10s, streaming Progress until it
// resolves, times out (capped at 600s), or hits an unrecoverable error.
func (b *Broker) CheckDnsPropagation(ctx context.Context, owner identity.NodeID, domain, expectedValue string, timeoutSeconds int) <-chan Item[PropagationResult] {
	out := make(chan Item[PropagationResult], 8)

	go func() {
		defer close(out)

		if !b.IsValidChallengeDomain(domain) || !b.ownsDomain(owner, domain) {
			out <- Item[PropagationResult]{Err: gateerr.New(gateerr.PermissionDenied, "domain %q is not owned by caller", domain)}
			return
		}

		if timeoutSeconds <= 0 || timeoutSeconds > 600 {
			timeoutSeconds = 600
		}
		maxAttempts := timeoutSeconds / 10
		if maxAttempts < 1 {
			maxAttempts = 1
		}

		recordName := "_acme-challenge." + domain
		start := time.Now()

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			out <- Item[PropagationResult]{Progress: &Progress{
				Stage: "checking", Attempt: attempt, MaxAttempts: maxAttempts,
				NextCheckSeconds: 10,
			}}

			propagated, err := b.resolver.CheckPropagation(ctx, recordName, expectedValue)
			if err != nil {
				out <- Item[PropagationResult]{Err: gateerr.New(gateerr.DnsChallengeFailed, "checking propagation: %v", err)}
				return
			}
			if propagated {
				out <- Item[PropagationResult]{Result: &PropagationResult{
					Propagated: true, TotalAttempts: attempt,
					ElapsedSeconds: int(time.Since(start).Seconds()),
				}}
				return
			}

			if attempt == maxAttempts {
				out <- Item[PropagationResult]{Result: &PropagationResult{
					Propagated: false, TotalAttempts: attempt,
					ElapsedSeconds: int(time.Since(start).Seconds()),
				}}
				return
			}

			out <- Item[PropagationResult]{Progress: &Progress{Stage: "waiting", Attempt: attempt, MaxAttempts: maxAttempts, NextCheckSeconds: 10}}

			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
			}
		}
	}()

	return out
}

// CleanupDnsChallenge best-effort deletes the TXT record for domain,
// identified by recordID if given, else by domain lookup. It always
// reports success, per spec's idempotent-cleanup contract.
func (b *Broker) CleanupDnsChallenge(ctx context.Context, owner identity.NodeID, domain, recordID string) CleanupResult {
	if !b.IsValidChallengeDomain(domain) || !b.ownsDomain(owner, domain) {
		return CleanupResult{RecordsRemoved: 0}
	}

	recordName := "_acme-challenge." + domain
	if recordID == "" {
		recordID = b.findRecordID(owner, recordName)
	}
	if recordID == "" {
		return CleanupResult{RecordsRemoved: 0}
	}

	if err := b.provider.DeleteRecord(ctx, recordName, recordID); err != nil {
		return CleanupResult{RecordsRemoved: 0}
	}

	b.forgetChallenge(recordID)
	return CleanupResult{RecordsRemoved: 1}
}

func (b *Broker) findRecordID(owner identity.NodeID, fullName string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.challenges {
		if c.Owner == owner && c.FullName == fullName && c.ExternalRecordID != "" {
			return c.ExternalRecordID
		}
	}
	return ""
}

func (b *Broker) forgetChallenge(recordID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.challenges {
		if c.ExternalRecordID == recordID {
			delete(b.challenges, id)
		}
	}
}

// GetRateLimit returns the broker's current rate-limit snapshot.
func (b *Broker) GetRateLimit() RateLimit {
	b.rateMu.Lock()
	defer b.rateMu.Unlock()

	if b.rateReset.IsZero() || time.Now().After(b.rateReset) {
		b.rateReset = time.Now().Add(time.Hour)
		b.rateUsed = 0
	}

	return RateLimit{
		MaxConcurrent:   5,
		CurrentCount:    0,
		RequestsPerHour: 100,
		RequestsUsed:    b.rateUsed,
		ResetTimestamp:  b.rateReset.Unix(),
	}
}
