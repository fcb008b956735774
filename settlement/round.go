package settlement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/errs"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

const (
	StateProposed  = "proposed"
	StateQuorum    = "quorum"
	StateExecuting = "executing"
	StateSettled   = "settled"
	StateAborted   = "aborted"
)

// Default timeouts (spec §4.8), used when the matching Round field is zero;
// no config option sets them.
const (
	DefaultProposalTimeout  = 6 * time.Hour
	DefaultExecutingTimeout = 24 * time.Hour
)

const quorumPct = 51

// Round drives the Propose/Vote/Execute lifecycle for settlement periods.
type Round struct {
	Store *store.Store
	NowFn func() time.Time

	ProposalTimeout  time.Duration
	ExecutingTimeout time.Duration
}

func (r *Round) now() time.Time {
	if r.NowFn != nil {
		return r.NowFn()
	}
	return time.Now()
}

func (r *Round) proposalTimeout() time.Duration {
	if r.ProposalTimeout <= 0 {
		return DefaultProposalTimeout
	}
	return r.ProposalTimeout
}

func (r *Round) executingTimeout() time.Duration {
	if r.ExecutingTimeout <= 0 {
		return DefaultExecutingTimeout
	}
	return r.ExecutingTimeout
}

// Propose opens a new round for pool.PeriodID. A period that already has a
// Settled round rejects further proposals outright (period idempotency).
func (r *Round) Propose(ctx context.Context, pool *Pool) error {
	return r.Store.Tx(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetSettlementRound(pool.PeriodID)
		if err == nil {
			switch existing.State {
			case StateSettled:
				return fmt.Errorf("%w: period %s", errs.PeriodAlreadySettled, pool.PeriodID)
			case StateAborted:
				if err := tx.ClearSettlementRound(pool.PeriodID); err != nil {
					return err
				}
			default:
				return fmt.Errorf("settlement: period %s already has an active round", pool.PeriodID)
			}
		} else if err != store.ErrNotFound {
			return err
		}

		round := &store.SettlementRound{
			PeriodID:   pool.PeriodID,
			State:      StateProposed,
			PoolMsat:   pool.TotalMsat,
			DataHash:   pool.DataHash,
			ProposedAt: r.now(),
		}
		if err := tx.CreateSettlementRound(round); err != nil {
			return err
		}
		shares := make([]store.SettlementShare, 0, len(pool.Shares))
		for nodeID, amount := range pool.Shares {
			shares = append(shares, store.SettlementShare{PeriodID: pool.PeriodID, NodeID: nodeID, AmountMsat: amount})
		}
		return tx.SaveSettlementShares(shares)
	})
}

// Vote records a member's decision once it has independently recomputed the
// pool and confirmed dataHash matches. A mismatched hash must never reach
// Vote — the caller compares locally and only calls Vote on agreement. Vote
// returns true once quorum is reached and the round has moved to Executing.
func (r *Round) Vote(ctx context.Context, periodID, voter string, activeMembers int) (reachedQuorum bool, err error) {
	err = r.Store.Tx(ctx, func(tx *store.Tx) error {
		round, err := tx.GetSettlementRound(periodID)
		if err != nil {
			return err
		}
		if round.State != StateProposed {
			return nil
		}
		if r.now().Sub(round.ProposedAt) > r.proposalTimeout() {
			return tx.UpdateSettlementRoundState(periodID, StateAborted)
		}

		if _, err := tx.RecordSettlementVote(&store.SettlementVote{PeriodID: periodID, Voter: voter, Approve: true, CreatedAt: r.now()}); err != nil {
			return err
		}

		approvals, err := tx.CountSettlementVotes(periodID, true)
		if err != nil {
			return err
		}
		needed := int64(math.Ceil(float64(activeMembers) * quorumPct / 100.0))
		if approvals < needed || needed == 0 {
			return nil
		}
		reachedQuorum = true
		return tx.UpdateSettlementRoundState(periodID, StateExecuting)
	})
	return reachedQuorum, err
}

// MarkSettled transitions an Executing round to Settled and stamps its
// executed_at. It does not track or check SETTLE_EXECUTE receipts for the
// round's outflows.
func (r *Round) MarkSettled(ctx context.Context, periodID string) error {
	return r.Store.Tx(ctx, func(tx *store.Tx) error {
		round, err := tx.GetSettlementRound(periodID)
		if err != nil {
			return err
		}
		if round.State != StateExecuting {
			return fmt.Errorf("settlement: period %s is not executing", periodID)
		}
		return tx.MarkSettlementRoundSettled(periodID, r.now())
	})
}

// SweepTimeouts aborts any round that overstayed Proposed past its 6h
// deadline or Executing past its 24h deadline. A caller may re-propose an
// aborted period.
func (r *Round) SweepTimeouts(ctx context.Context, periodIDs []string) error {
	now := r.now()
	return r.Store.Tx(ctx, func(tx *store.Tx) error {
		for _, id := range periodIDs {
			round, err := tx.GetSettlementRound(id)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return err
			}
			switch round.State {
			case StateProposed:
				if now.Sub(round.ProposedAt) > r.proposalTimeout() {
					if err := tx.UpdateSettlementRoundState(id, StateAborted); err != nil {
						return err
					}
				}
			case StateExecuting:
				if now.Sub(round.ProposedAt) > r.executingTimeout() {
					if err := tx.UpdateSettlementRoundState(id, StateAborted); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}
