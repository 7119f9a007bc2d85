// Package backoff implements a jittered exponential backoff scheduler,
// generalized from the teacher's session-rotation timer into a reusable
// primitive used both for the daemon's relay reconnect loop (1s,2s,4s,...,
// capped at 60s) and the certificate manager's renewal retry (1h,2h,4h,...,
// capped at 24h).
package backoff

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// Policy configures a Scheduler's growth curve.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay; growth never exceeds it.
	Max time.Duration
	// Multiplier scales the delay after each failure (e.g. 2.0 to double).
	Multiplier float64
	// Jitter adds up to +/-50% randomness to each computed delay when true.
	Jitter bool
}

// Default1sTo60s matches spec's reconnect policy: 1s,2s,4s,...,max 60s.
func Default1sTo60s() Policy {
	return Policy{Initial: time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: true}
}

// Default1hTo24h matches spec's renewal retry policy: 1h,2h,4h,...,24h.
func Default1hTo24h() Policy {
	return Policy{Initial: time.Hour, Max: 24 * time.Hour, Multiplier: 2, Jitter: false}
}

// Scheduler tracks the current backoff state and computes successive
// delays. Not a timer itself — callers drive their own time.Timer/Sleep
// using the values Next returns, which keeps Scheduler trivially testable.
type Scheduler struct {
	mu      sync.Mutex
	policy  Policy
	current time.Duration
}

// New creates a Scheduler at its initial (un-backed-off) state.
func New(policy Policy) *Scheduler {
	return &Scheduler{policy: policy}
}

// Next returns the delay to wait before the next attempt, and advances the
// internal state geometrically toward Max. The first call after Reset
// returns Policy.Initial.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == 0 {
		s.current = s.policy.Initial
	} else {
		next := time.Duration(float64(s.current) * s.policy.Multiplier)
		if next > s.policy.Max || next <= 0 {
			next = s.policy.Max
		}
		s.current = next
	}

	delay := s.current
	if s.policy.Jitter {
		delay = jitter(delay)
	}
	return delay
}

// Reset returns the Scheduler to its initial state, e.g. after a
// successful attempt.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.current = 0
	s.mu.Unlock()
}

// jitter returns a duration uniformly distributed in [d/2, d*3/2).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	half := d / 2
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return half + time.Duration(n.Int64())
}
