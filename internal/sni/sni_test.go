package sni

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildClientHello constructs a minimal TLS record containing a
// ClientHello, optionally with a server_name extension.
func buildClientHello(t *testing.T, hostname string, withExt bool) []byte {
	t.Helper()

	var body bytes.Buffer
	body.Write(make([]byte, 2))  // client_version
	body.Write(make([]byte, 32)) // random
	body.WriteByte(0)            // session_id len = 0
	binary.Write(&body, binary.BigEndian, uint16(2))
	body.Write([]byte{0x13, 0x01}) // one cipher suite
	body.WriteByte(1)              // compression methods len
	body.WriteByte(0)              // null compression

	var extensions bytes.Buffer
	if withExt {
		var sni bytes.Buffer
		sni.WriteByte(0) // name_type = host_name
		binary.Write(&sni, binary.BigEndian, uint16(len(hostname)))
		sni.WriteString(hostname)

		var list bytes.Buffer
		binary.Write(&list, binary.BigEndian, uint16(sni.Len()))
		list.Write(sni.Bytes())

		binary.Write(&extensions, binary.BigEndian, uint16(extServerName))
		binary.Write(&extensions, binary.BigEndian, uint16(list.Len()))
		extensions.Write(list.Bytes())
	}

	binary.Write(&body, binary.BigEndian, uint16(extensions.Len()))
	body.Write(extensions.Bytes())

	var hs bytes.Buffer
	hs.WriteByte(handshakeTypeClient)
	l := body.Len()
	hs.Write([]byte{byte(l >> 16), byte(l >> 8), byte(l)})
	hs.Write(body.Bytes())

	var record bytes.Buffer
	record.WriteByte(contentTypeHandshake)
	record.Write([]byte{0x03, 0x01}) // version
	binary.Write(&record, binary.BigEndian, uint16(hs.Len()))
	record.Write(hs.Bytes())

	return record.Bytes()
}

func TestExtractSNIHappyPath(t *testing.T) {
	data := buildClientHello(t, "abcdef0123456789.private.example.ai", true)
	host, ok, err := ExtractSNI(data)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || host != "abcdef0123456789.private.example.ai" {
		t.Fatalf("got host=%q ok=%v", host, ok)
	}
}

func TestExtractSNINoExtension(t *testing.T) {
	data := buildClientHello(t, "", false)
	host, ok, err := ExtractSNI(data)
	if err != nil || ok || host != "" {
		t.Fatalf("got host=%q ok=%v err=%v, want none/false/nil", host, ok, err)
	}
}

func TestExtractSNITooShort(t *testing.T) {
	short := make([]byte, 42)
	host, ok, err := ExtractSNI(short)
	if err != nil || ok || host != "" {
		t.Fatalf("got host=%q ok=%v err=%v, want none/false/nil", host, ok, err)
	}
}

func TestExtractSNIExactly43BytesNoSNI(t *testing.T) {
	data := buildClientHello(t, "", false)
	if len(data) < 43 {
		pad := make([]byte, 43-len(data))
		data = append(data, pad...)
	}
	host, ok, err := ExtractSNI(data[:43])
	if err != nil || ok || host != "" {
		t.Fatalf("got host=%q ok=%v err=%v", host, ok, err)
	}
}

func TestExtractSNITruncatedMidExtension(t *testing.T) {
	data := buildClientHello(t, "example.com", true)
	truncated := data[:len(data)-3]
	host, ok, err := ExtractSNI(truncated)
	if err != nil || ok || host != "" {
		t.Fatalf("got host=%q ok=%v err=%v, want none/false/nil", host, ok, err)
	}
}

func TestExtractSNINotHandshakeRecord(t *testing.T) {
	data := buildClientHello(t, "example.com", true)
	data[0] = 23 // application_data
	host, ok, err := ExtractSNI(data)
	if err != nil || ok || host != "" {
		t.Fatalf("got host=%q ok=%v err=%v", host, ok, err)
	}
}

func TestExtractSNIWrongHandshakeType(t *testing.T) {
	data := buildClientHello(t, "example.com", true)
	// handshake_type byte is immediately after the 5-byte record header.
	data[5] = 2 // ServerHello
	_, _, err := ExtractSNI(data)
	if err == nil {
		t.Fatal("expected ParseErr for wrong handshake type")
	}
	if _, ok := err.(*ParseErr); !ok {
		t.Fatalf("expected *ParseErr, got %T", err)
	}
}

func TestExtractSNIIdempotentOnPrefix(t *testing.T) {
	data := buildClientHello(t, "idempotent.example.ai", true)
	host1, ok1, _ := ExtractSNI(data)
	// Re-running on the exact same prefix yields the same result.
	host2, ok2, _ := ExtractSNI(data)
	if host1 != host2 || ok1 != ok2 {
		t.Fatalf("not idempotent: (%q,%v) vs (%q,%v)", host1, ok1, host2, ok2)
	}
}

func TestPeekReaderReplaysExactPrefix(t *testing.T) {
	data := buildClientHello(t, "peek.example.ai", true)
	pr := NewPeekReader(bytes.NewReader(data))
	host, prefix, err := pr.Sniff()
	if err != nil {
		t.Fatal(err)
	}
	if host != "peek.example.ai" {
		t.Fatalf("host = %q", host)
	}
	if !bytes.Equal(prefix, data) {
		t.Fatalf("prefix mismatch: got %d bytes, want %d", len(prefix), len(data))
	}
}
