// Package backoff implements the exponential-backoff-with-jitter sequence
// shared by both transport state machines (SPEC_FULL.md §4.3, §4.4).
// Grounded on other_examples' jangala-dev devicecode bridge service's
// backoffSeq doubling-with-cap closure, generalized to add the ±10% jitter
// and deterministic reset this spec requires.
package backoff

import (
	"math/rand"
	"time"
)

// Sequence produces successive reconnect/re-advertise delays: doubling from
// Initial up to Max, with uniform jitter of ±JitterFrac applied to each
// value. Not safe for concurrent use; callers own one Sequence per state
// machine instance.
type Sequence struct {
	Initial    time.Duration
	Max        time.Duration
	JitterFrac float64

	current time.Duration
	rnd     *rand.Rand
}

// NewSequence creates a Sequence. jitterFrac of 0.1 means ±10%.
func NewSequence(initial, max time.Duration, jitterFrac float64) *Sequence {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Sequence{
		Initial:    initial,
		Max:        max,
		JitterFrac: jitterFrac,
		current:    initial,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay and advances the internal doubling counter.
func (s *Sequence) Next() time.Duration {
	base := s.current
	s.current *= 2
	if s.current > s.Max {
		s.current = s.Max
	}
	return s.jitter(base)
}

func (s *Sequence) jitter(base time.Duration) time.Duration {
	if s.JitterFrac <= 0 {
		return base
	}
	spread := float64(base) * s.JitterFrac
	delta := (s.rnd.Float64()*2 - 1) * spread // uniform in [-spread, +spread]
	out := time.Duration(float64(base) + delta)
	if out < 0 {
		out = 0
	}
	if out > s.Max {
		out = s.Max
	}
	return out
}

// Reset returns the sequence to its initial delay (called on next successful
// connect, per §4.3/§4.4 "resets to initial on the next successful connect").
func (s *Sequence) Reset() {
	s.current = s.Initial
}

// AtBaseline reports whether the sequence has not yet backed off beyond its
// initial delay (§4.3 "adaptive advertising parameters").
func (s *Sequence) AtBaseline() bool {
	return s.current <= s.Initial
}
