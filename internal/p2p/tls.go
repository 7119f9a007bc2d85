package p2p

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/hellas-ai/gate/internal/identity"
)

// selfSignedCert builds a short-lived, self-signed TLS certificate whose
// key *is* the node's Ed25519 identity key. Gate's P2P layer doesn't rely
// on a CA: a peer's NodeID is the cryptographic identity, verified by
// pulling the Ed25519 public key straight off the QUIC peer certificate —
// the certificate is just TLS's required carrier for that key.
func selfSignedCert(kp identity.Keypair) (tls.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: kp.ID.String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	pub := kp.PrivateKey.Public().(ed25519.PublicKey)
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, kp.PrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("creating self-signed cert: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  kp.PrivateKey,
	}, nil
}

// peerNodeID extracts a NodeID from a TLS peer certificate's Ed25519 public
// key, used to derive an authenticated caller identity straight from the
// QUIC handshake rather than trusting any payload claim (spec.md §4.J).
func peerNodeID(cert *x509.Certificate) (identity.NodeID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return identity.NodeID{}, fmt.Errorf("peer certificate key is not Ed25519")
	}
	var id identity.NodeID
	copy(id[:], pub)
	return id, nil
}

// tlsConfig builds the tls.Config used for both dialling and accepting:
// self-signed cert for this node's own identity, and a permissive verifier
// since trust here is established by NodeID, not by certificate chain.
func tlsConfig(kp identity.Keypair, alpns []string) (*tls.Config, error) {
	cert, err := selfSignedCert(kp)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
		NextProtos:         alpns,
		MinVersion:         tls.VersionTLS13,
	}, nil
}
