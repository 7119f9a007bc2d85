// Package tlsforward implements the daemon's TLS-forward client (spec.md
// §4.G): the TlsForwardState lifecycle, relay registration, heartbeat and
// accept loops, and local HTTPS handover of forwarded streams.
//
// Grounded on the teacher's internal/core/state.go (StateMachine /
// validTransitions) for the FSM shape, internal/core/rotation.go (via
// internal/backoff) for the reconnect scheduler, and
// original_source/crates/tlsforward/src/client's registration/heartbeat/
// accept sequencing description in spec.md §4.G.
package tlsforward

import (
	"fmt"

	"github.com/hellas-ai/gate/internal/identity"
)

// Kind tags which variant of State is populated.
type Kind string

const (
	KindDisabled    Kind = "Disabled"
	KindDisconnected Kind = "Disconnected"
	KindConnecting  Kind = "Connecting"
	KindConnected   Kind = "Connected"
	KindError       Kind = "Error"
)

// State is Gate's TlsForwardState enum, re-expressed as a Go struct with a
// Kind discriminant plus the fields relevant to that kind, matching spec.md
// §4.G's `{ Disabled, Disconnected, Connecting, Connected{relay, fqdn},
// Error{msg} }`.
type State struct {
	Kind Kind

	Relay identity.NodeID
	FQDN  string

	Msg string

	unixNano int64
}

// EventType implements watchstate.Event.
func (s State) EventType() string { return "tlsforward.state" }

// EventTime implements watchstate.Event.
func (s State) EventTime() int64 { return s.unixNano }

func (s State) String() string {
	switch s.Kind {
	case KindConnected:
		return fmt.Sprintf("Connected{relay=%s fqdn=%s}", s.Relay.ShortHex(), s.FQDN)
	case KindError:
		return fmt.Sprintf("Error{%s}", s.Msg)
	default:
		return string(s.Kind)
	}
}

func disabledState() State    { return State{Kind: KindDisabled} }
func disconnectedState() State { return State{Kind: KindDisconnected} }
func connectingState() State  { return State{Kind: KindConnecting} }

func connectedState(relay identity.NodeID, fqdn string) State {
	return State{Kind: KindConnected, Relay: relay, FQDN: fqdn}
}

func errorState(format string, args ...any) State {
	return State{Kind: KindError, Msg: fmt.Sprintf(format, args...)}
}

// validTransitions mirrors the teacher's StateMachine adjacency map: the
// set of Kinds reachable in one step from each Kind. setState does not
// consult it; canTransition checks a pair against it and is exercised by
// the package tests, to catch a future refactor wiring a transition
// spec.md §4.G doesn't allow.
var validTransitions = map[Kind][]Kind{
	KindDisabled:     {KindDisconnected},
	KindDisconnected: {KindConnecting, KindDisabled},
	KindConnecting:   {KindConnected, KindError, KindDisabled},
	KindConnected:    {KindDisconnected, KindError, KindDisabled},
	KindError:        {KindDisconnected, KindDisabled},
}

func canTransition(from, to Kind) bool {
	for _, k := range validTransitions[from] {
		if k == to {
			return true
		}
	}
	return false
}
