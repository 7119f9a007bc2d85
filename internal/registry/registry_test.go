package registry

import (
	"testing"
	"time"

	"github.com/hellas-ai/gate/internal/identity"
)

func newID(t *testing.T, b byte) identity.NodeID {
	t.Helper()
	var seed [32]byte
	for i := range seed {
		seed[i] = b
	}
	kp, err := identity.FromSeed(seed[:])
	if err != nil {
		t.Fatal(err)
	}
	return kp.ID
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New("private.example.ai")
	id := newID(t, 1)
	a1 := r.Register(id)
	a2 := r.Register(id)
	if a1.FQDN != a2.FQDN {
		t.Fatalf("repeated register returned different fqdns: %q vs %q", a1.FQDN, a2.FQDN)
	}
}

func TestBijection(t *testing.T) {
	r := New("private.example.ai")
	ids := []identity.NodeID{newID(t, 1), newID(t, 2), newID(t, 3)}
	assigned := make(map[identity.NodeID]string)
	for _, id := range ids {
		assigned[id] = r.Register(id).FQDN
	}
	for id, fqdn := range assigned {
		gotID, ok := r.LookupByFQDN(fqdn)
		if !ok || gotID != id {
			t.Fatalf("fqdn->id broken for %s", fqdn)
		}
		gotAssigned, ok := r.LookupByPeer(id)
		if !ok || gotAssigned.FQDN != fqdn {
			t.Fatalf("id->fqdn broken for %s", id)
		}
	}
}

func TestSweepEvictsOnlyStalePeers(t *testing.T) {
	r := New("private.example.ai")
	fresh := newID(t, 1)
	stale := newID(t, 2)
	r.Register(fresh)
	r.Register(stale)

	now := time.Now()
	r.mu.Lock()
	r.byPeer[stale].lastHeartbeat = now.Add(-time.Hour)
	r.mu.Unlock()

	removed := r.Sweep(now, 30*time.Second)
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("removed = %v, want [%s]", removed, stale)
	}
	if _, ok := r.LookupByPeer(fresh); !ok {
		t.Fatal("fresh peer was evicted")
	}
	if _, ok := r.LookupByPeer(stale); ok {
		t.Fatal("stale peer was not evicted")
	}
}

func TestHeartbeatBoundary(t *testing.T) {
	r := New("private.example.ai")
	id := newID(t, 1)
	r.Register(id)

	now := time.Now()
	timeout := 30 * time.Second
	r.mu.Lock()
	r.byPeer[id].lastHeartbeat = now.Add(-timeout + time.Millisecond)
	r.mu.Unlock()
	if removed := r.Sweep(now, timeout); len(removed) != 0 {
		t.Fatalf("peer evicted just inside timeout: %v", removed)
	}

	r.mu.Lock()
	r.byPeer[id].lastHeartbeat = now.Add(-timeout - time.Millisecond)
	r.mu.Unlock()
	if removed := r.Sweep(now, timeout); len(removed) != 1 {
		t.Fatalf("peer not evicted just past timeout: %v", removed)
	}
}

func TestUnregister(t *testing.T) {
	r := New("private.example.ai")
	id := newID(t, 1)
	a := r.Register(id)
	r.Unregister(id)
	if _, ok := r.LookupByPeer(id); ok {
		t.Fatal("peer still present after unregister")
	}
	if _, ok := r.LookupByFQDN(a.FQDN); ok {
		t.Fatal("fqdn still present after unregister")
	}
}
