package membership

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/store/kv"
)

// bucketState is the persisted form of a token bucket: just enough to
// reconstruct remaining tokens at any later instant without storing a
// sample per tick.
type bucketState struct {
	Tokens float64   `json:"tokens"`
	Last   time.Time `json:"last"`
}

// RateLimiter enforces per-peer, per-action token buckets whose state
// survives a restart — spec §4.4 requires persisted limits precisely so a
// restart cannot be used to bypass them, generalizing the teacher's
// in-memory tokenBucket (p2p/ratelimit.go), which resets on restart because
// the teacher's threat model only cares about live bandwidth abuse.
type RateLimiter struct {
	kv *kv.Store

	mu    sync.Mutex
	rates map[string]rateSpec
}

type rateSpec struct {
	capacity float64
	perSec   float64
}

// NewRateLimiter builds a limiter backed by the given persisted KV store.
func NewRateLimiter(store *kv.Store) *RateLimiter {
	return &RateLimiter{kv: store, rates: make(map[string]rateSpec)}
}

// Configure sets the capacity and per-period allowance for a named action
// (e.g. "vouch", "ban_proposal", "handshake", "peer_available"). perPeriod
// counts are converted to a steady per-second refill rate.
func (r *RateLimiter) Configure(action string, perPeriod float64, period time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[action] = rateSpec{
		capacity: perPeriod,
		perSec:   perPeriod / period.Seconds(),
	}
}

func (r *RateLimiter) key(peerID, action string) string {
	return fmt.Sprintf("ratelimit:%s:%s", peerID, action)
}

// Allow reports whether the action is permitted for peerID at now, consuming
// one token if so. A surplus beyond the budget is silently dropped by the
// caller; Allow itself only answers yes/no.
func (r *RateLimiter) Allow(peerID, action string, now time.Time) (bool, error) {
	r.mu.Lock()
	spec, ok := r.rates[action]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("membership: unknown rate-limited action %q", action)
	}

	key := r.key(peerID, action)
	var state bucketState
	found, err := r.kv.GetJSON(key, &state)
	if err != nil {
		return false, fmt.Errorf("membership: load rate state: %w", err)
	}
	if !found {
		state = bucketState{Tokens: spec.capacity, Last: now}
	} else {
		elapsed := now.Sub(state.Last).Seconds()
		if elapsed > 0 {
			state.Tokens = math.Min(spec.capacity, state.Tokens+elapsed*spec.perSec)
		}
		state.Last = now
	}

	allowed := state.Tokens >= 1
	if allowed {
		state.Tokens -= 1
	}
	if err := r.kv.PutJSON(key, state); err != nil {
		return false, fmt.Errorf("membership: persist rate state: %w", err)
	}
	return allowed, nil
}

// Default per-peer limits (spec §4.4), applied by ConfigureDefaults and
// overridable per action through Configure; no config option sets them.
const (
	DefaultVouchesPerDay        = 10
	DefaultBanProposalsPerDay   = 3
	DefaultHandshakesPerMinute  = 6
	DefaultPeerAvailablePerMin  = 10
)

// ConfigureDefaults wires the default action budgets spec §4.4 names.
func (r *RateLimiter) ConfigureDefaults() {
	r.Configure("vouch", DefaultVouchesPerDay, 24*time.Hour)
	r.Configure("ban_proposal", DefaultBanProposalsPerDay, 24*time.Hour)
	r.Configure("handshake", DefaultHandshakesPerMinute, time.Minute)
	r.Configure("peer_available", DefaultPeerAvailablePerMin, time.Minute)
}
