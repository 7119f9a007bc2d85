package backoff

import (
	"testing"
	"time"
)

func TestSchedulerGrowsGeometricallyWithoutJitter(t *testing.T) {
	s := New(Policy{Initial: time.Second, Max: 8 * time.Second, Multiplier: 2})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		got := s.Next()
		if got != w {
			t.Fatalf("step %d: got %v, want %v", i, got, w)
		}
	}
}

func TestSchedulerResetReturnsToInitial(t *testing.T) {
	s := New(Policy{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2})
	s.Next()
	s.Next()
	s.Reset()
	if got := s.Next(); got != time.Second {
		t.Fatalf("after reset, got %v, want %v", got, time.Second)
	}
}

func TestSchedulerJitterStaysInBounds(t *testing.T) {
	s := New(Policy{Initial: time.Minute, Max: time.Minute, Multiplier: 2, Jitter: true})
	for i := 0; i < 50; i++ {
		d := s.Next()
		if d < 0 || d > 2*time.Minute {
			t.Fatalf("jittered delay out of expected range: %v", d)
		}
	}
}
