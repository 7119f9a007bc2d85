package certmanager

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// selfSignedDays is the validity window spec.md §4.H names ("90 day
// validity"); Scenario 1 in spec.md §8 requires a window of at least 89
// days. NotAfter is 90 days from generation, and NotBefore is backdated by
// one hour to absorb clock skew at the start of the window.
const selfSignedDays = 90

// generateSelfSigned builds a self-signed certificate whose SANs cover
// every domain in domains plus "localhost", matching the source's
// generate_self_signed_tls_acceptor and the teacher's
// generateSelfSignedCert in cmd/aether-gateway/main.go (ported from RSA
// 2048 to keep the same key-generation idiom).
func generateSelfSigned(domains []string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certmanager: generating self-signed key: %w", err)
	}

	sans := append([]string{}, domains...)
	sans = append(sans, "localhost")
	commonName := "localhost"
	if len(domains) > 0 {
		commonName = domains[0]
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"Gate Self-Signed"}, CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(selfSignedDays * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dedupe(sans),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certmanager: creating self-signed cert: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        template,
	}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
