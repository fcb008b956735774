// Package expansion implements the Nominate/Elect two-phase round used to
// pick a single opener among Members competing for the same channel-open
// target (spec §4.7).
package expansion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/errs"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

const (
	StateNominating = "nominating"
	StateElecting   = "electing"
	StateWon        = "won"
	StateExpired    = "expired"
)

// KindChannelOpen is the intent.Lock Kind an expansion round's winner
// announces to serialize the actual channel-open action against any other
// concurrently resolving round for the same target.
const KindChannelOpen = "channel_open"

// Default timing and guards (spec §4.7), used when the matching Planner
// field is zero. cmd/hived sets Cooldown and MaxConcurrent from config;
// the nominating window has no config option.
const (
	DefaultNominatingWindow = 45 * time.Second
	DefaultCooldown         = 300 * time.Second
	DefaultMaxConcurrent    = 5
)

// Budget captures the guards a round must clear before the winner is
// allowed to proceed to an Intent Announce for the actual channel open.
type Budget struct {
	ReservePctMin    float64 // fraction of on-chain balance that must remain unreserved
	ReservePctCurrent float64
	DailyCapSat      int64
	DailySpentSat    int64
	PerChannelCapSat int64
	RequestedSat     int64
}

// Check returns an errs.BudgetExceeded-wrapped error describing the first
// guard the budget trips, or nil if the spend is permitted.
func (b Budget) Check() error {
	if b.ReservePctCurrent-float64(b.RequestedSat) < b.ReservePctMin {
		return fmt.Errorf("%w: reserve ratio would fall below minimum", errs.BudgetExceeded)
	}
	if b.DailySpentSat+b.RequestedSat > b.DailyCapSat {
		return fmt.Errorf("%w: daily expansion cap exceeded", errs.BudgetExceeded)
	}
	if b.RequestedSat > b.PerChannelCapSat {
		return fmt.Errorf("%w: per-channel cap exceeded", errs.BudgetExceeded)
	}
	return nil
}

// Candidate is one member's signed candidacy within a round.
type Candidate struct {
	NodeID string
	Score  float64
}

// Planner drives round creation, nomination bookkeeping, and election for
// this node.
type Planner struct {
	Store *store.Store
	NowFn func() time.Time

	NominatingWindow time.Duration
	Cooldown         time.Duration
	MaxConcurrent    int

	mu          sync.Mutex
	lastTarget  map[string]time.Time // per-target cooldown tracking
	active      map[string]bool      // round_id -> locally tracked as active
}

// NewPlanner builds a Planner with empty cooldown/active-round tracking.
func NewPlanner(s *store.Store) *Planner {
	return &Planner{
		Store:      s,
		lastTarget: make(map[string]time.Time),
		active:     make(map[string]bool),
	}
}

func (p *Planner) now() time.Time {
	if p.NowFn != nil {
		return p.NowFn()
	}
	return time.Now()
}

func (p *Planner) window() time.Duration {
	if p.NominatingWindow <= 0 {
		return DefaultNominatingWindow
	}
	return p.NominatingWindow
}

func (p *Planner) cooldown() time.Duration {
	if p.Cooldown <= 0 {
		return DefaultCooldown
	}
	return p.Cooldown
}

func (p *Planner) maxConcurrent() int {
	if p.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return p.MaxConcurrent
}

// RoundID builds the lexicographically comparable id spec §4.7 requires:
// the target is embedded so two rounds for the same target can be compared
// and merged deterministically, with startedAt as a zero-padded suffix so
// the earlier round for the same target sorts first.
func RoundID(target string, startedAt time.Time) string {
	return fmt.Sprintf("%s/%020d", target, startedAt.UnixNano())
}

// StartRound opens a new Nominating round for target if the per-target
// cooldown has elapsed and the node is not already driving
// MaxConcurrent rounds. It returns errs.RateLimited when the cooldown is
// still active or the cap is reached; it does not run Budget.Check.
func (p *Planner) StartRound(ctx context.Context, target string) (*store.ExpansionRound, error) {
	p.mu.Lock()
	if last, ok := p.lastTarget[target]; ok && p.now().Sub(last) < p.cooldown() {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: expansion cooldown active for %s", errs.RateLimited, target)
	}
	if len(p.active) >= p.maxConcurrent() {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: max concurrent expansion rounds reached", errs.RateLimited)
	}
	p.mu.Unlock()

	now := p.now()
	round := &store.ExpansionRound{
		RoundID:   RoundID(target, now),
		Target:    target,
		State:     StateNominating,
		StartedAt: now,
	}
	if err := p.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.CreateExpansionRound(round)
	}); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.lastTarget[target] = now
	p.active[round.RoundID] = true
	p.mu.Unlock()
	return round, nil
}

// LowestRoundForTarget returns the canonical round for target when more
// than one exists concurrently: the lower round_id wins and the caller
// should migrate any nominations it already collected for the other round
// onto this one.
func (p *Planner) LowestRoundForTarget(ctx context.Context, target string) (*store.ExpansionRound, error) {
	var rounds []store.ExpansionRound
	err := p.Store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rounds, err = tx.RoundsForTarget(target)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, fmt.Errorf("expansion: no round found for target %s", target)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].RoundID < rounds[j].RoundID })
	return &rounds[0], nil
}

// Nominate records or replaces nominator's candidacy for roundID.
// Duplicates per nominator are replaced, per spec §4.7.
func (p *Planner) Nominate(ctx context.Context, roundID, nominator string, score float64) error {
	return p.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.UpsertExpansionNomination(&store.ExpansionNomination{
			RoundID: roundID, Nominator: nominator, Score: score, CreatedAt: p.now(),
		})
	})
}

// Elect computes the deterministic winner for roundID once the nominating
// window has closed: highest score, ties broken by lowest node_id.
func (p *Planner) Elect(ctx context.Context, roundID string) (string, error) {
	var noms []store.ExpansionNomination
	err := p.Store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		noms, err = tx.NominationsForRound(roundID)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(noms) == 0 {
		return "", fmt.Errorf("expansion: no nominations for round %s", roundID)
	}

	winner := noms[0]
	for _, n := range noms[1:] {
		if n.Score > winner.Score || (n.Score == winner.Score && n.Nominator < winner.Nominator) {
			winner = n
		}
	}

	err = p.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.UpdateExpansionRoundState(roundID, StateWon, winner.Nominator)
	})
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	delete(p.active, roundID)
	p.mu.Unlock()
	return winner.Nominator, nil
}

// Expire marks roundID Expired without a winner, e.g. when the nominating
// window closed with zero candidates or the target became unreachable.
func (p *Planner) Expire(ctx context.Context, roundID string) error {
	err := p.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.UpdateExpansionRoundState(roundID, StateExpired, "")
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.active, roundID)
	p.mu.Unlock()
	return nil
}

// ActiveRounds reports how many rounds this node is currently driving, for
// metrics and the MaxConcurrent guard.
func (p *Planner) ActiveRounds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// targetFromRoundID recovers the target embedded in RoundID's
// "target/nanos" encoding.
func targetFromRoundID(roundID string) string {
	if i := strings.LastIndex(roundID, "/"); i >= 0 {
		return roundID[:i]
	}
	return roundID
}

// ApplyElection applies a fleet-announced EXPANSION_ELECT for roundID: every
// node runs Elect independently off the same nomination set and should reach
// the same winner, but a node that observed the round late (e.g. it never
// received every EXPANSION_NOMINATE) adopts the announced winner directly
// rather than electing from a partial view.
func (p *Planner) ApplyElection(ctx context.Context, roundID, winner string) error {
	if err := p.Store.Tx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetExpansionRound(roundID); err != nil {
			if err != store.ErrNotFound {
				return err
			}
			return tx.CreateExpansionRound(&store.ExpansionRound{
				RoundID: roundID, Target: targetFromRoundID(roundID),
				State: StateWon, Winner: winner, StartedAt: p.now(),
			})
		}
		return tx.UpdateExpansionRoundState(roundID, StateWon, winner)
	}); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.active, roundID)
	p.mu.Unlock()
	return nil
}

// ApplyAbort applies a fleet-announced EXPANSION_ABORT for roundID.
func (p *Planner) ApplyAbort(ctx context.Context, roundID string) error {
	if err := p.Store.Tx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetExpansionRound(roundID); err != nil {
			if err != store.ErrNotFound {
				return err
			}
			return tx.CreateExpansionRound(&store.ExpansionRound{
				RoundID: roundID, Target: targetFromRoundID(roundID),
				State: StateExpired, StartedAt: p.now(),
			})
		}
		return tx.UpdateExpansionRoundState(roundID, StateExpired, "")
	}); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.active, roundID)
	p.mu.Unlock()
	return nil
}

// ExpiredNominatingRounds lists rounds still Nominating whose window has
// elapsed, for the scheduler's planner tick to Elect or Expire.
func (p *Planner) ExpiredNominatingRounds(ctx context.Context) ([]store.ExpansionRound, error) {
	var rounds []store.ExpansionRound
	err := p.Store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rounds, err = tx.ExpansionRoundsInState(StateNominating)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := p.now()
	out := rounds[:0]
	for _, r := range rounds {
		if now.Sub(r.StartedAt) >= p.window() {
			out = append(out, r)
		}
	}
	return out, nil
}
