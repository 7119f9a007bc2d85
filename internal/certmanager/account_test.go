package certmanager

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateAccountPersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acme", "account.json")

	first, err := loadOrCreateAccount(path, "https://acme-staging.example/directory")
	if err != nil {
		t.Fatalf("loadOrCreateAccount (create): %v", err)
	}

	second, err := loadOrCreateAccount(path, "https://acme-staging.example/directory")
	if err != nil {
		t.Fatalf("loadOrCreateAccount (reload): %v", err)
	}

	if first.fingerprint() != second.fingerprint() {
		t.Errorf("expected fingerprint to be stable across reload: %s != %s", first.fingerprint(), second.fingerprint())
	}
	if second.directoryURL != "https://acme-staging.example/directory" {
		t.Errorf("directoryURL = %q, want preserved value", second.directoryURL)
	}
}

func TestAccountFingerprintDiffersAcrossKeys(t *testing.T) {
	a, err := loadOrCreateAccount(filepath.Join(t.TempDir(), "account.json"), "https://example/directory")
	if err != nil {
		t.Fatalf("loadOrCreateAccount: %v", err)
	}
	b, err := loadOrCreateAccount(filepath.Join(t.TempDir(), "account.json"), "https://example/directory")
	if err != nil {
		t.Fatalf("loadOrCreateAccount: %v", err)
	}
	if a.fingerprint() == b.fingerprint() {
		t.Error("expected distinct keys to produce distinct fingerprints")
	}
}
