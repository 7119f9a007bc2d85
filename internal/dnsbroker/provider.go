package dnsbroker

import (
	"context"
	"fmt"
	"sync"
)

// Provider is the external-DNS-provider abstraction, shaped after the
// libdns record-provider interface used across the certmagic/lego
// ecosystem: create and delete a single TXT record, nothing more.
type Provider interface {
	// CreateRecord creates a TXT record named fqdn with the given value and
	// ttl (seconds), returning an opaque provider-assigned record id.
	CreateRecord(ctx context.Context, fqdn, value string, ttlSeconds int) (recordID string, err error)
	// DeleteRecord removes the record previously returned as recordID.
	DeleteRecord(ctx context.Context, fqdn, recordID string) error
}

// MemoryProvider is an in-memory Provider fake for tests and for
// deployments with no external DNS provider configured.
type MemoryProvider struct {
	mu      sync.Mutex
	records map[string]record
	nextID  int
}

type record struct {
	fqdn  string
	value string
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{records: make(map[string]record)}
}

func (m *MemoryProvider) CreateRecord(_ context.Context, fqdn, value string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)
	m.records[id] = record{fqdn: fqdn, value: value}
	return id, nil
}

func (m *MemoryProvider) DeleteRecord(_ context.Context, _ string, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[recordID]; !ok {
		return fmt.Errorf("memory provider: no record %q", recordID)
	}
	delete(m.records, recordID)
	return nil
}

// Lookup returns the TXT value stored for fqdn, used by tests and by
// MemoryResolver to simulate propagation without a real DNS server.
func (m *MemoryProvider) Lookup(fqdn string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.fqdn == fqdn {
			return r.value, true
		}
	}
	return "", false
}
