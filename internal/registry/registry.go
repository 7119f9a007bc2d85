// Package registry implements the relay's in-memory domain registry:
// bijective maps between assigned FQDNs and peer NodeIDs, guarded by a
// single mutex per DESIGN NOTES' "shared mutable maps behind a lock"
// guidance.
package registry

import (
	"sync"
	"time"

	"github.com/hellas-ai/gate/internal/identity"
)

// AssignedDomain records the FQDN handed to a peer and when.
type AssignedDomain struct {
	ID         identity.NodeID
	FQDN       string
	AssignedAt time.Time
}

type peerEntry struct {
	assigned     AssignedDomain
	lastHeartbeat time.Time
}

// Registry maps assigned FQDNs to peer NodeIDs and back. register is
// idempotent per peer: calling it twice for the same id returns the same
// FQDN.
type Registry struct {
	baseZone string

	mu        sync.Mutex
	byPeer    map[identity.NodeID]*peerEntry
	byFQDN    map[string]identity.NodeID
}

// New creates an empty Registry. baseZone is the DNS suffix FQDNs are built
// under, e.g. "private.hellas.ai".
func New(baseZone string) *Registry {
	return &Registry{
		baseZone: baseZone,
		byPeer:   make(map[identity.NodeID]*peerEntry),
		byFQDN:   make(map[string]identity.NodeID),
	}
}

// Register assigns (or re-returns) the FQDN for id.
func (r *Registry) Register(id identity.NodeID) AssignedDomain {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPeer[id]; ok {
		existing.lastHeartbeat = time.Now()
		return existing.assigned
	}

	assigned := AssignedDomain{
		ID:         id,
		FQDN:       id.FQDN(r.baseZone),
		AssignedAt: time.Now(),
	}
	r.byPeer[id] = &peerEntry{assigned: assigned, lastHeartbeat: time.Now()}
	r.byFQDN[assigned.FQDN] = id
	return assigned
}

// LookupByFQDN returns the owning peer for fqdn, if any.
func (r *Registry) LookupByFQDN(fqdn string) (identity.NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byFQDN[fqdn]
	return id, ok
}

// LookupByPeer returns the AssignedDomain for id, if any.
func (r *Registry) LookupByPeer(id identity.NodeID) (AssignedDomain, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPeer[id]
	if !ok {
		return AssignedDomain{}, false
	}
	return e.assigned, true
}

// Heartbeat refreshes last-seen time for id. It is a no-op if id is not
// registered.
func (r *Registry) Heartbeat(id identity.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byPeer[id]; ok {
		e.lastHeartbeat = time.Now()
	}
}

// Unregister removes id and its FQDN mapping.
func (r *Registry) Unregister(id identity.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id)
}

// remove deletes id from both maps. Caller must hold the lock.
func (r *Registry) remove(id identity.NodeID) {
	if e, ok := r.byPeer[id]; ok {
		delete(r.byFQDN, e.assigned.FQDN)
		delete(r.byPeer, id)
	}
}

// Sweep evicts every peer whose last heartbeat is older than timeout,
// relative to now, and returns their ids.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []identity.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []identity.NodeID
	for id, e := range r.byPeer {
		if now.Sub(e.lastHeartbeat) > timeout {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		r.remove(id)
	}
	return removed
}

// Len returns the number of currently registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPeer)
}
