package dnsbroker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hellas-ai/gate/internal/identity"
)

func newOwner(t *testing.T, b byte) identity.NodeID {
	t.Helper()
	seed := bytes.Repeat([]byte{b}, 32)
	kp, err := identity.FromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	return kp.ID
}

func newTestBroker() (*Broker, *MemoryProvider) {
	mp := NewMemoryProvider()
	b := New("private.example.ai", mp, &MemoryResolver{Provider: mp})
	return b, mp
}

func TestIsValidChallengeDomain(t *testing.T) {
	b, _ := newTestBroker()
	valid := []string{"a.private.example.ai", "user1.private.example.ai", "A_-1.private.example.ai"}
	invalid := []string{
		"a.b.private.example.ai",
		".private.example.ai",
		"a.other.example.ai",
		"private.example.ai",
		"a!b.private.example.ai",
	}
	for _, d := range valid {
		if !b.IsValidChallengeDomain(d) {
			t.Errorf("expected valid: %q", d)
		}
	}
	for _, d := range invalid {
		if b.IsValidChallengeDomain(d) {
			t.Errorf("expected invalid: %q", d)
		}
	}
}

func drainCreate(ch <-chan Item[ChallengeResult]) (progress []Progress, result *ChallengeResult, errItem *string) {
	for item := range ch {
		switch {
		case item.Progress != nil:
			progress = append(progress, *item.Progress)
		case item.Result != nil:
			result = item.Result
		case item.Err != nil:
			s := item.Err.Error()
			errItem = &s
		}
	}
	return
}

func TestCreateDnsChallengeHappyPath(t *testing.T) {
	b, mp := newTestBroker()
	owner := newOwner(t, 1)
	domain := owner.ShortHex() + ".private.example.ai"

	ch := b.CreateDnsChallenge(context.Background(), owner, domain, "abc123", 60)
	progress, result, errMsg := drainCreate(ch)

	if errMsg != nil {
		t.Fatalf("unexpected error: %s", *errMsg)
	}
	if len(progress) == 0 {
		t.Fatal("expected at least one progress item")
	}
	if result == nil || result.RecordID == "" || !result.Verified {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, ok := mp.Lookup("_acme-challenge." + domain); !ok {
		t.Fatal("TXT record was not created")
	}
}

func TestCreateDnsChallengeOwnershipBreach(t *testing.T) {
	b, mp := newTestBroker()
	attacker := newOwner(t, 1)
	victimDomain := newOwner(t, 2).ShortHex() + ".private.example.ai"

	ch := b.CreateDnsChallenge(context.Background(), attacker, victimDomain, "x", 60)
	_, result, errMsg := drainCreate(ch)

	if result != nil {
		t.Fatal("expected no result on permission denial")
	}
	if errMsg == nil {
		t.Fatal("expected PermissionDenied error")
	}
	if _, ok := mp.Lookup("_acme-challenge." + victimDomain); ok {
		t.Fatal("TXT record should not have been created")
	}
}

func TestCheckDnsPropagationHappyPath(t *testing.T) {
	b, mp := newTestBroker()
	owner := newOwner(t, 1)
	domain := owner.ShortHex() + ".private.example.ai"
	recordName := "_acme-challenge." + domain

	mp.CreateRecord(context.Background(), recordName, "expected-value", 60)

	ch := b.CheckDnsPropagation(context.Background(), owner, domain, "expected-value", 30)
	var result *PropagationResult
	for item := range ch {
		if item.Result != nil {
			result = item.Result
		}
	}
	if result == nil || !result.Propagated {
		t.Fatalf("expected propagated=true, got %+v", result)
	}
}

func TestCleanupDnsChallengeAlwaysSucceeds(t *testing.T) {
	b, _ := newTestBroker()
	owner := newOwner(t, 1)
	domain := owner.ShortHex() + ".private.example.ai"

	r1 := b.CleanupDnsChallenge(context.Background(), owner, domain, "nonexistent-record")
	if r1.RecordsRemoved != 0 {
		t.Fatalf("expected 0 removed for unknown record, got %d", r1.RecordsRemoved)
	}

	r2 := b.CleanupDnsChallenge(context.Background(), owner, domain, "")
	if r2.RecordsRemoved != 0 {
		t.Fatalf("expected 0 removed for no record, got %d", r2.RecordsRemoved)
	}
}

func TestGetRateLimitDefaults(t *testing.T) {
	b, _ := newTestBroker()
	rl := b.GetRateLimit()
	if rl.MaxConcurrent != 5 || rl.RequestsPerHour != 100 {
		t.Fatalf("unexpected defaults: %+v", rl)
	}
	if time.Until(time.Unix(rl.ResetTimestamp, 0)) <= 0 {
		t.Fatal("reset timestamp should be in the future")
	}
}
