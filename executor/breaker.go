// Package executor implements the circuit breaker fronting every call into
// the external fee/rebalance executor (spec §4.9).
package executor

import (
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker thresholds (spec §4.9), used when the matching Breaker
// field is zero; no config option sets them.
const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 60 * time.Second
	DefaultCooldown         = 60 * time.Second
)

// Breaker is a Closed/Open/HalfOpen circuit breaker: Closed forwards calls
// and counts failures within a rolling window, Open rejects immediately
// until Cooldown elapses, HalfOpen allows exactly one probe call whose
// outcome decides the next state.
type Breaker struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	NowFn            func() time.Time

	mu           sync.Mutex
	st           state
	failures     []time.Time
	openedAt     time.Time
	probeInFlight bool
}

// NewBreaker builds a Breaker starting Closed with spec-default thresholds.
func NewBreaker() *Breaker {
	return &Breaker{st: closed}
}

func (b *Breaker) now() time.Time {
	if b.NowFn != nil {
		return b.NowFn()
	}
	return time.Now()
}

func (b *Breaker) threshold() int {
	if b.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return b.FailureThreshold
}

func (b *Breaker) window() time.Duration {
	if b.FailureWindow <= 0 {
		return DefaultFailureWindow
	}
	return b.FailureWindow
}

func (b *Breaker) cooldown() time.Duration {
	if b.Cooldown <= 0 {
		return DefaultCooldown
	}
	return b.Cooldown
}

// State reports the breaker's current state, transitioning Open to
// HalfOpen first if the cooldown has elapsed.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeEnterHalfOpenLocked()
	return b.st.String()
}

func (b *Breaker) maybeEnterHalfOpenLocked() {
	if b.st == open && b.now().Sub(b.openedAt) >= b.cooldown() {
		b.st = halfOpen
		b.probeInFlight = false
	}
}

// Allow reports whether a call may proceed right now, reserving the single
// HalfOpen probe slot if this call is that probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeEnterHalfOpenLocked()

	switch b.st {
	case closed:
		return true
	case halfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // open
		return false
	}
}

// RecordSuccess closes the breaker (from Closed it simply clears stale
// failures; from HalfOpen the probe succeeded).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = closed
	b.failures = nil
	b.probeInFlight = false
}

// RecordFailure counts a failure against the rolling window and trips the
// breaker to Open once the threshold is reached; a HalfOpen probe failure
// reopens immediately regardless of window count.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if b.st == halfOpen {
		b.trip(now)
		return
	}

	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.window())
	live := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			live = append(live, f)
		}
	}
	b.failures = live

	if len(b.failures) >= b.threshold() {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.st = open
	b.openedAt = now
	b.probeInFlight = false
	b.failures = nil
}
