package identity

import (
	"bytes"
	"testing"
)

func TestFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, 32)
	k1, err := FromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := FromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	if k1.ID != k2.ID {
		t.Fatalf("same seed produced different ids: %s vs %s", k1.ID, k2.ID)
	}
}

func TestFromSeedDistinctKeysDistinctIDs(t *testing.T) {
	s1 := bytes.Repeat([]byte{0x01}, 32)
	s2 := bytes.Repeat([]byte{0x02}, 32)
	k1, _ := FromSeed(s1)
	k2, _ := FromSeed(s2)
	if k1.ID == k2.ID {
		t.Fatal("distinct seeds produced the same id")
	}
}

func TestShortHexAndFQDN(t *testing.T) {
	k, _ := FromSeed(bytes.Repeat([]byte{0xab}, 32))
	if len(k.ID.ShortHex()) != 16 {
		t.Fatalf("short hex length = %d, want 16", len(k.ID.ShortHex()))
	}
	fqdn := k.ID.FQDN("private.hellas.ai")
	want := k.ID.ShortHex() + ".private.hellas.ai"
	if fqdn != want {
		t.Fatalf("fqdn = %q, want %q", fqdn, want)
	}
}

func TestParseAddressBareHex(t *testing.T) {
	k, _ := Generate()
	a, err := ParseAddress(k.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != k.ID || len(a.Hints) != 0 {
		t.Fatalf("unexpected address: %+v", a)
	}
}

func TestParseAddressHostPort(t *testing.T) {
	k, _ := Generate()
	s := k.ID.String() + "@10.0.0.5:4433"
	a, err := ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Hints) != 1 || !a.Hints[0].IsDirect() || a.Hints[0].Direct != "10.0.0.5:4433" {
		t.Fatalf("unexpected hints: %+v", a.Hints)
	}
}

func TestParseAddressRelayURL(t *testing.T) {
	k, _ := Generate()
	s := k.ID.String() + "@https://relay.example/"
	a, err := ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Hints) != 1 || a.Hints[0].IsDirect() || a.Hints[0].RelayURL != "https://relay.example/" {
		t.Fatalf("unexpected hints: %+v", a.Hints)
	}
}

func TestParseAddressMalformed(t *testing.T) {
	cases := []string{
		"",
		"not-hex",
		"deadbeef", // too short
		"@host:1234",
	}
	for _, c := range cases {
		if _, err := ParseAddress(c); err == nil {
			t.Errorf("ParseAddress(%q) = nil error, want error", c)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	k, _ := Generate()
	s := k.ID.String() + "@host.example:443"
	a, err := ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	if got := FormatAddress(a); got != s {
		t.Fatalf("round trip mismatch: got %q, want %q", got, s)
	}
}
