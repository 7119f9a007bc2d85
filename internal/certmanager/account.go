package certmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// accountFile is the on-disk record of this node's ACME account: the
// account key (PEM, SEC 1 "EC PRIVATE KEY") plus the directory URL it was
// first created for, so the key is reused across restarts. There is one
// account file per data directory; pointing the daemon at a different ACME
// directory reuses the same key and keeps the originally stored URL.
type accountFile struct {
	DirectoryURL string `json:"directory_url"`
	KeyPEM       string `json:"key_pem"`
	Location     string `json:"location,omitempty"`
}

// account is the in-memory counterpart of accountFile, with the key
// decoded and a stable fingerprint derived for logging (spec.md asks that
// logs never print raw key material).
type account struct {
	directoryURL string
	key          *ecdsa.PrivateKey
	location     string
}

func (a *account) fingerprint() string {
	return accountFingerprint(a.key)
}

// accountFingerprint derives a short, stable, non-reversible identifier for
// an ACME account key using HKDF-SHA256, so operators can correlate log
// lines across restarts without the log ever containing key material.
func accountFingerprint(key *ecdsa.PrivateKey) string {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "unknown"
	}
	h := hkdf.New(sha256.New, der, []byte("gate-acme-account"), []byte("fingerprint/v1"))
	out := make([]byte, 8)
	if _, err := io.ReadFull(h, out); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(out)
}

// loadOrCreateAccount reads path, creating a fresh ECDSA P-256 account key
// (and persisting it) if the file does not exist yet. Follows the
// load-or-create pattern of internal/identity/secretfile.go, adapted from a
// raw 32-byte secret to a PEM-encoded ACME account key.
func loadOrCreateAccount(path, directoryURL string) (*account, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var f accountFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("certmanager: parsing account file %s: %w", path, err)
		}
		key, err := parseECKey(f.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("certmanager: parsing account key in %s: %w", path, err)
		}
		dir := f.DirectoryURL
		if dir == "" {
			dir = directoryURL
		}
		return &account{directoryURL: dir, key: key, location: f.Location}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("certmanager: reading account file %s: %w", path, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certmanager: generating account key: %w", err)
	}
	acct := &account{directoryURL: directoryURL, key: key}
	if err := saveAccount(path, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func saveAccount(path string, acct *account) error {
	der, err := x509.MarshalECPrivateKey(acct.key)
	if err != nil {
		return fmt.Errorf("certmanager: marshaling account key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	f := accountFile{DirectoryURL: acct.directoryURL, KeyPEM: string(keyPEM), Location: acct.location}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("certmanager: marshaling account file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("certmanager: creating account dir: %w", err)
	}
	return atomicWriteFile(path, data, 0o600)
}

func parseECKey(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// atomicWriteFile writes data to a temp file in the same directory as path
// and renames it into place, so a crash mid-write never leaves a partial
// certificate or account file behind. Matches spec.md §6/§9's atomic-write
// requirement for on-disk credential material.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("certmanager: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("certmanager: writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("certmanager: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("certmanager: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("certmanager: renaming into place: %w", err)
	}
	return nil
}
