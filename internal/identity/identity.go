// Package identity implements Gate's node identifiers and the address
// grammar used to dial peers: bare hex, "id@host:port", and
// "id@https://relay.example/".
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// NodeIDLength is the size in bytes of a NodeID.
const NodeIDLength = 32

// NodeID is an opaque 32-byte peer identifier derived from an Ed25519
// public key. Two distinct keypairs collide with negligible probability.
type NodeID [NodeIDLength]byte

// String renders the NodeID as lowercase hex.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortHex returns the first 16 hex characters, used to build FQDNs.
func (id NodeID) ShortHex() string {
	return id.String()[:16]
}

// FQDN returns "{short_hex(id)}.{baseZone}".
func (id NodeID) FQDN(baseZone string) string {
	return id.ShortHex() + "." + baseZone
}

// ParseNodeID decodes a 64-character hex string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	s = strings.TrimSpace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid id: %w", err)
	}
	if len(b) != NodeIDLength {
		return id, fmt.Errorf("invalid id: want %d bytes, got %d", NodeIDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Keypair is a node's Ed25519 identity: a public NodeID and its private key.
type Keypair struct {
	ID         NodeID
	PrivateKey ed25519.PrivateKey
}

// FromSeed derives a Keypair from a 32-byte seed. Deterministic: the same
// seed always yields the same NodeID.
func FromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("invalid seed length: want %d, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	var id NodeID
	copy(id[:], pub)
	return Keypair{ID: id, PrivateKey: priv}, nil
}

// Generate creates a new random Keypair.
func Generate() (Keypair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return Keypair{}, err
	}
	return FromSeed(seed)
}

// Hint is a transport hint for dialling a peer: either a direct host:port
// or a rendezvous relay URL.
type Hint struct {
	// Direct is "host:port" when this hint is a direct address.
	Direct string
	// RelayURL is set when this hint routes through a relay instead.
	RelayURL string
}

// IsDirect reports whether this hint is a direct (IP, port) address.
func (h Hint) IsDirect() bool { return h.Direct != "" }

func (h Hint) String() string {
	if h.IsDirect() {
		return h.Direct
	}
	return h.RelayURL
}

// Address is a NodeID plus an ordered sequence of transport hints. At least
// one hint is required to dial a cold peer.
type Address struct {
	ID    NodeID
	Hints []Hint
}

// ParseAddress parses one of the three accepted forms:
//
//	<64-hex-id>
//	<64-hex-id>@host:port
//	<64-hex-id>@https://relay.example/
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at < 0 {
		id, err := ParseNodeID(s)
		if err != nil {
			return Address{}, err
		}
		return Address{ID: id}, nil
	}

	idPart, hintPart := s[:at], s[at+1:]
	id, err := ParseNodeID(idPart)
	if err != nil {
		return Address{}, err
	}
	if hintPart == "" {
		return Address{}, fmt.Errorf("invalid address: empty hint after '@'")
	}

	if strings.HasPrefix(hintPart, "http://") || strings.HasPrefix(hintPart, "https://") {
		return Address{ID: id, Hints: []Hint{{RelayURL: hintPart}}}, nil
	}

	if _, _, err := splitHostPort(hintPart); err != nil {
		return Address{}, fmt.Errorf("invalid address: unparsable host:port %q: %w", hintPart, err)
	}
	return Address{ID: id, Hints: []Hint{{Direct: hintPart}}}, nil
}

func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':port'")
	}
	host, port = s[:idx], s[idx+1:]
	if host == "" || port == "" {
		return "", "", fmt.Errorf("empty host or port")
	}
	for _, c := range port {
		if c < '0' || c > '9' {
			return "", "", fmt.Errorf("non-numeric port %q", port)
		}
	}
	return host, port, nil
}

// FormatAddress renders an Address back to its string form, preferring the
// first direct hint; if none exists it falls back to the first relay hint,
// or bare hex if there are no hints at all.
func FormatAddress(a Address) string {
	base := a.ID.String()
	for _, h := range a.Hints {
		if h.IsDirect() {
			return base + "@" + h.Direct
		}
	}
	for _, h := range a.Hints {
		if h.RelayURL != "" {
			return base + "@" + h.RelayURL
		}
	}
	return base
}
