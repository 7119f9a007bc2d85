package identity

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
)

// LoadOrCreateSecret reads a 32-byte hex-encoded node secret from path. A
// missing, malformed, or wrong-length file is treated as absent: a fresh
// keypair is generated, written back to path, and a warning is logged —
// matching spec's "regenerate and overwrite" contract for the node-identity
// secret file.
func LoadOrCreateSecret(path string) (Keypair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, perr := parseSecretFile(data)
		if perr == nil {
			return FromSeed(seed)
		}
		log.Printf("identity: secret file %s is malformed (%v), regenerating", path, perr)
	} else if !os.IsNotExist(err) {
		return Keypair{}, fmt.Errorf("reading secret file: %w", err)
	}

	kp, err := Generate()
	if err != nil {
		return Keypair{}, err
	}
	if err := writeSecretFile(path, kp.PrivateKey.Seed()); err != nil {
		return Keypair{}, fmt.Errorf("writing secret file: %w", err)
	}
	return kp, nil
}

func parseSecretFile(data []byte) ([]byte, error) {
	s := strings.TrimSpace(string(data))
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	if len(b) != NodeIDLength {
		return nil, fmt.Errorf("want %d bytes, got %d", NodeIDLength, len(b))
	}
	return b, nil
}

func writeSecretFile(path string, seed []byte) error {
	contents := hex.EncodeToString(seed) + "\n"
	return os.WriteFile(path, []byte(contents), 0o600)
}
