package tlsforward

import (
	"testing"

	"github.com/hellas-ai/gate/internal/identity"
)

func TestCanTransitionMatchesDiagram(t *testing.T) {
	cases := []struct {
		from, to Kind
		want     bool
	}{
		{KindDisabled, KindDisconnected, true},
		{KindDisconnected, KindConnecting, true},
		{KindConnecting, KindConnected, true},
		{KindConnecting, KindError, true},
		{KindConnected, KindDisconnected, true},
		{KindConnected, KindConnecting, false},
		{KindError, KindDisconnected, true},
		{KindDisabled, KindConnected, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	s := connectedState(identity.NodeID{1, 2, 3}, "abcd1234abcd1234.private.hellas.ai")
	if got := s.String(); got == "" {
		t.Error("expected non-empty String()")
	}
}
