// Package controlplane implements the typed streaming RPC surface between
// daemon and relay (spec.md §4.J/§6): registration, heartbeat, and the DNS
// broker calls, carried as length-prefixed JSON frames over a dedicated P2P
// stream.
//
// Framing is adapted from the teacher's internal/core/protocol.go record
// format ([4-byte length][header][payload]) stripped of its AES-GCM/HKDF
// encryption layer — the P2P connection below is already QUIC-encrypted
// and authenticated, so re-encrypting the control channel would duplicate
// a guarantee the transport already provides. See DESIGN.md.
package controlplane

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ALPN is the dedicated protocol label for the bootstrap/relay control
// connection, distinct from the tlsforward data-plane ALPN.
const ALPN = "gate-bootstrap/1"

// MaxFrameSize bounds a single control frame to guard against a
// misbehaving peer forcing unbounded buffering.
const MaxFrameSize = 1 << 20 // 1 MiB

// MessageType tags the kind of payload carried by a frame.
type MessageType byte

const (
	TypeRegister             MessageType = 1
	TypeRegistered           MessageType = 2
	TypeDeregister           MessageType = 3
	TypeHeartbeat            MessageType = 4
	TypeCreateDnsChallenge   MessageType = 5
	TypeCheckDnsPropagation  MessageType = 6
	TypeCleanupDnsChallenge  MessageType = 7
	TypeGetRateLimit         MessageType = 8
	TypeStreamProgress       MessageType = 9
	TypeStreamComplete       MessageType = 10
	TypeStreamError          MessageType = 11
	TypeAck                  MessageType = 12
)

// WriteFrame writes a single [4-byte big-endian length][1-byte type][JSON
// body] frame to w.
func WriteFrame(w io.Writer, typ MessageType, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("controlplane: marshalling frame: %w", err)
	}
	if len(payload)+1 > MaxFrameSize {
		return fmt.Errorf("controlplane: frame too large: %d bytes", len(payload))
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)+1))
	header[4] = byte(typ)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("controlplane: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("controlplane: writing frame body: %w", err)
	}
	return nil
}

// Frame is a single decoded control-plane message.
type Frame struct {
	Type MessageType
	Body []byte
}

// ReadFrame reads and validates one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length == 0 || int(length) > MaxFrameSize {
		return Frame{}, fmt.Errorf("controlplane: invalid frame length %d", length)
	}
	typ := MessageType(header[4])

	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("controlplane: reading frame body: %w", err)
	}
	return Frame{Type: typ, Body: body}, nil
}

// Decode unmarshals a frame's body into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Body, v)
}
