// Package certmanager implements spec.md §4.H: ACME DNS-01 certificate
// issuance (via the relay's broker), on-disk persistence, and a
// self-signed fallback so a daemon can serve TLS before its first
// certificate lands.
//
// Grounded directly on the Rust original's
// tlsforward/src/client/certificate_manager.rs (account load-or-create,
// order -> authorization -> DNS-01 -> finalize -> write fullchain/key ->
// cleanup), re-expressed with github.com/mholt/acmez/v2, and on the
// teacher's generateSelfSignedCert / CertificateLoader in
// cmd/aether-gateway/main.go for the on-disk layout and reload wiring.
package certmanager

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mholt/acmez/v2"
	"github.com/mholt/acmez/v2/acme"

	"github.com/hellas-ai/gate/internal/backoff"
	"github.com/hellas-ai/gate/internal/tlsaccept"
)

const (
	acmeDNS01 = "dns-01"

	accountFileName   = "acme/account.json"
	fullchainFileName = "certificates/fullchain.pem"
	keyFileName       = "certificates/key.pem"

	// renewBefore is how far ahead of expiry Manager requests a fresh
	// certificate, matching the 30-day window spec.md §4.H calls out.
	renewBefore = 30 * 24 * time.Hour
)

// Config configures a Manager.
type Config struct {
	DataDir      string
	DirectoryURL string
	Email        string
	Domains      []string

	Logger *log.Logger
}

// Manager owns one daemon's certificate lifecycle: it issues and renews a
// single certificate covering Config.Domains, persists it under
// Config.DataDir, and serves a self-signed stand-in until the first ACME
// issuance succeeds.
type Manager struct {
	cfg    Config
	broker Broker

	mu       sync.Mutex
	acceptor *tlsaccept.Acceptor
	notAfter time.Time

	scheduler *backoff.Scheduler
}

// New constructs a Manager. broker is consulted only when RequestCertificate
// runs; callers that only need the self-signed fallback (e.g. before
// tlsforward registers) may pass a nil broker.
func New(cfg Config, broker Broker) *Manager {
	return &Manager{
		cfg:       cfg,
		broker:    broker,
		scheduler: backoff.New(backoff.Default1hTo24h()),
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

// SetDomains replaces the set of domains the next RequestCertificate call
// covers. The daemon doesn't know its relay-assigned FQDN until tlsforward
// registers, so Config.Domains starts empty and is filled in once that
// registration completes.
func (m *Manager) SetDomains(domains []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Domains = domains
}

func (m *Manager) fullchainPath() string { return filepath.Join(m.cfg.DataDir, fullchainFileName) }
func (m *Manager) keyPath() string       { return filepath.Join(m.cfg.DataDir, keyFileName) }
func (m *Manager) accountPath() string   { return filepath.Join(m.cfg.DataDir, accountFileName) }

// HasCertificate reports whether a previously-issued certificate exists on
// disk, regardless of its expiry.
func (m *Manager) HasCertificate() bool {
	_, err := os.Stat(m.fullchainPath())
	return err == nil
}

// LoadAcceptor builds the daemon's reloadable TLS acceptor: the persisted
// certificate if one exists and still parses, otherwise a freshly generated
// self-signed certificate covering Config.Domains (spec.md §8 Scenario 1).
func (m *Manager) LoadAcceptor() (*tlsaccept.Acceptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cert, notAfter, err := m.loadFromDisk(); err == nil {
		m.notAfter = notAfter
		m.acceptor = tlsaccept.New(tlsaccept.StaticConfig(cert))
		return m.acceptor, nil
	}

	m.logf("certmanager: no usable certificate on disk, generating self-signed fallback")
	cert, err := generateSelfSigned(m.cfg.Domains)
	if err != nil {
		return nil, err
	}
	m.acceptor = tlsaccept.New(tlsaccept.StaticConfig(cert))
	return m.acceptor, nil
}

func (m *Manager) loadFromDisk() (tls.Certificate, time.Time, error) {
	cert, err := tls.LoadX509KeyPair(m.fullchainPath(), m.keyPath())
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	leaf := cert.Leaf
	if leaf == nil {
		return tls.Certificate{}, time.Time{}, fmt.Errorf("certmanager: certificate missing parsed leaf")
	}
	return cert, leaf.NotAfter, nil
}

// NeedsRenewal reports whether the currently-loaded certificate is within
// renewBefore of expiring, or no certificate has ever been installed.
func (m *Manager) NeedsRenewal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notAfter.IsZero() || time.Now().After(m.notAfter.Add(-renewBefore))
}

// RequestCertificate runs a full ACME DNS-01 order against Config.Domains
// and installs the result, replacing whatever certificate Acceptor was
// previously serving.
func (m *Manager) RequestCertificate(ctx context.Context) error {
	if m.broker == nil {
		return fmt.Errorf("certmanager: no DNS broker configured")
	}

	m.mu.Lock()
	domains := append([]string(nil), m.cfg.Domains...)
	m.mu.Unlock()
	if len(domains) == 0 {
		return fmt.Errorf("certmanager: no domains configured")
	}

	acct, err := loadOrCreateAccount(m.accountPath(), m.cfg.DirectoryURL)
	if err != nil {
		return err
	}

	acmeClient := &acmez.Client{
		Client: &acme.Client{
			Directory: m.cfg.DirectoryURL,
		},
		ChallengeSolvers: map[string]acmez.Solver{
			acmeDNS01: newDNS01Solver(m.broker),
		},
	}

	acmeAccount := acme.Account{
		Contact:              contactURIs(m.cfg.Email),
		TermsOfServiceAgreed: true,
		PrivateKey:           acct.key,
		Location:             acct.location,
	}

	m.logf("certmanager: requesting certificate for %v (account %s)", domains, acct.fingerprint())

	certs, err := acmeClient.ObtainCertificateForSANs(ctx, acmeAccount, domains)
	if err != nil {
		return fmt.Errorf("certmanager: obtaining certificate: %w", err)
	}
	if len(certs) == 0 {
		return fmt.Errorf("certmanager: CA returned no certificates")
	}

	issued := certs[0]
	if err := m.install(issued.ChainPEM, issued.PrivateKeyPEM); err != nil {
		return err
	}

	m.scheduler.Reset()
	return nil
}

// install persists the new certificate+key atomically and reloads the live
// acceptor in place, so an in-flight handshake never observes a half
// written file.
func (m *Manager) install(fullchainPEM, keyPEM []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(m.cfg.DataDir, "certificates"), 0o700); err != nil {
		return fmt.Errorf("certmanager: creating certificates dir: %w", err)
	}
	if err := atomicWriteFile(m.fullchainPath(), fullchainPEM, 0o644); err != nil {
		return err
	}
	if err := atomicWriteFile(m.keyPath(), keyPEM, 0o600); err != nil {
		return err
	}

	cert, notAfter, err := m.loadFromDisk()
	if err != nil {
		return fmt.Errorf("certmanager: loading just-installed certificate: %w", err)
	}
	m.notAfter = notAfter
	if m.acceptor == nil {
		m.acceptor = tlsaccept.New(tlsaccept.StaticConfig(cert))
	} else {
		m.acceptor.Reload(tlsaccept.StaticConfig(cert))
	}
	return nil
}

// RunRenewalLoop requests (or renews) a certificate whenever NeedsRenewal
// reports true, backing off between failed attempts per
// backoff.Default1hTo24h, until ctx is cancelled.
func (m *Manager) RunRenewalLoop(ctx context.Context) {
	for {
		if m.NeedsRenewal() {
			if err := m.RequestCertificate(ctx); err != nil {
				m.logf("certmanager: renewal failed: %v", err)
				wait := m.scheduler.Next()
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
					continue
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Hour):
		}
	}
}

func contactURIs(email string) []string {
	if email == "" {
		return nil
	}
	return []string{"mailto:" + email}
}
