// Package sni extracts the server_name extension from the first TLS record
// of a ClientHello, without parsing the full handshake.
package sni

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// MaxClientHello is the maximum number of bytes a caller should buffer
// while hunting for the SNI before giving up.
const MaxClientHello = 16 * 1024

const (
	contentTypeHandshake = 22
	handshakeTypeClient  = 1
	extServerName        = 0
	serverNameTypeHost   = 0
)

// ParseErr indicates the buffer was structurally invalid TLS, as opposed to
// simply not (yet) containing an SNI.
type ParseErr struct {
	msg string
}

func (e *ParseErr) Error() string { return e.msg }

func parseErrf(format string, args ...any) *ParseErr {
	return &ParseErr{msg: fmt.Sprintf(format, args...)}
}

// ExtractSNI parses exactly one TLS record of content_type=22 (handshake)
// containing handshake_type=1 (ClientHello), and returns the hostname of
// the first server_name extension with name_type=0.
//
// It returns (nil string, nil error) — i.e. "", false, nil — when the
// buffer is too short, is not a handshake record, or simply carries no SNI
// extension. It returns a *ParseErr only when the bytes present claim to be
// a ClientHello but are structurally broken.
func ExtractSNI(data []byte) (string, bool, error) {
	if len(data) < 43 {
		return "", false, nil
	}

	contentType, recordLen, recordBody, ok := parseTLSRecord(data)
	if !ok {
		return "", false, nil
	}
	if contentType != contentTypeHandshake {
		return "", false, nil
	}
	if len(recordBody) < recordLen {
		// Not all of the record has arrived yet.
		return "", false, nil
	}
	recordBody = recordBody[:recordLen]

	return parseClientHello(recordBody)
}

// parseTLSRecord reads the 5-byte TLS record header (content_type u8,
// version u16, length u16) and returns the content type, declared length,
// and the remaining bytes after the header.
func parseTLSRecord(data []byte) (contentType byte, length int, body []byte, ok bool) {
	if len(data) < 5 {
		return 0, 0, nil, false
	}
	contentType = data[0]
	length = int(binary.BigEndian.Uint16(data[3:5]))
	return contentType, length, data[5:], true
}

func parseClientHello(data []byte) (string, bool, error) {
	if len(data) < 4 {
		return "", false, nil
	}
	handshakeType := data[0]
	if handshakeType != handshakeTypeClient {
		return "", false, parseErrf("expected ClientHello (1), got %d", handshakeType)
	}
	helloLen := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	cursor := data[4:]
	if len(cursor) > helloLen {
		cursor = cursor[:helloLen]
	}

	// client_version (2 bytes)
	if len(cursor) < 2 {
		return "", false, nil
	}
	cursor = cursor[2:]

	// random (32 bytes)
	if len(cursor) < 32 {
		return "", false, nil
	}
	cursor = cursor[32:]

	// session_id: 1-byte length prefix
	if len(cursor) < 1 {
		return "", false, nil
	}
	sessionIDLen := int(cursor[0])
	cursor = cursor[1:]
	if len(cursor) < sessionIDLen {
		return "", false, nil
	}
	cursor = cursor[sessionIDLen:]

	// cipher_suites: 2-byte length prefix
	if len(cursor) < 2 {
		return "", false, nil
	}
	cipherLen := int(binary.BigEndian.Uint16(cursor[0:2]))
	cursor = cursor[2:]
	if len(cursor) < cipherLen {
		return "", false, nil
	}
	cursor = cursor[cipherLen:]

	// compression_methods: 1-byte length prefix
	if len(cursor) < 1 {
		return "", false, nil
	}
	compLen := int(cursor[0])
	cursor = cursor[1:]
	if len(cursor) < compLen {
		return "", false, nil
	}
	cursor = cursor[compLen:]

	// extensions: optional. If too short to carry the 2-byte extensions
	// length, there simply are none — not an error.
	if len(cursor) < 2 {
		return "", false, nil
	}
	extTotalLen := int(binary.BigEndian.Uint16(cursor[0:2]))
	cursor = cursor[2:]
	if len(cursor) > extTotalLen {
		cursor = cursor[:extTotalLen]
	}

	return extractSNIFromExtensions(cursor)
}

func extractSNIFromExtensions(data []byte) (string, bool, error) {
	for len(data) >= 4 {
		extType := binary.BigEndian.Uint16(data[0:2])
		extLen := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < 4+extLen {
			break
		}
		extData := data[4 : 4+extLen]
		if extType == extServerName {
			return parseServerNameExtension(extData)
		}
		data = data[4+extLen:]
	}
	return "", false, nil
}

func parseServerNameExtension(data []byte) (string, bool, error) {
	if len(data) < 5 {
		return "", false, nil
	}
	// server_name_list length (2 bytes), then entries of
	// {name_type(1), name_len(2), name(name_len)}.
	nameType := data[2]
	if nameType != serverNameTypeHost {
		return "", false, nil
	}
	nameLen := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) < 5+nameLen {
		return "", false, nil
	}
	host := data[5 : 5+nameLen]
	if !utf8.Valid(host) {
		return "", false, nil
	}
	return string(host), true, nil
}
