// Package membership implements the two-tier roster, vouch-based promotion,
// and ban proposal/vote machinery of spec §4.4.
package membership

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lightning-goats/cl-hive-sub002/errs"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

// VouchQuorumPct is the default fraction of active Members whose distinct
// vouch promotes a Neophyte; configurable via config.Snapshot.VouchQuorumPct.
const VouchQuorumPct = 51

// Roster mediates all membership state transitions against the Store.
type Roster struct {
	Store       *store.Store
	VouchQuorum int // percent, e.g. 51
	// BanDuration is how long an approved ban lasts before the amnesty
	// sweep lifts it automatically; zero means permanent (spec §3 permits
	// this as an explicit operator choice, not a default).
	BanDuration time.Duration
	NowFn       func() time.Time
}

func (r *Roster) now() time.Time {
	if r.NowFn != nil {
		return r.NowFn()
	}
	return time.Now()
}

func (r *Roster) quorumPct() int {
	if r.VouchQuorum <= 0 {
		return VouchQuorumPct
	}
	return r.VouchQuorum
}

// Admit inserts nodeID at Neophyte tier if not already known. Re-admitting
// an existing member is a no-op, not an error: a peer reconnecting after a
// transient handshake failure should not lose standing.
func (r *Roster) Admit(ctx context.Context, nodeID string) error {
	return r.Store.Tx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetMember(nodeID); err == nil {
			return nil
		} else if err != store.ErrNotFound {
			return err
		}
		return tx.UpsertMember(&store.Member{
			NodeID:     nodeID,
			Tier:       store.TierNeophyte,
			AdmittedAt: r.now(),
		})
	})
}

// Vouch records voucher's signed endorsement of subject and promotes subject
// if the distinct-voucher quorum is now met. Self-vouches and vouches cast
// by a Neophyte are ignored per spec §4.4 — they are accepted calls that do
// nothing, not rejected ones, since a misbehaving-but-authenticated peer
// emitting these is not itself a protocol violation.
func (r *Roster) Vouch(ctx context.Context, voucher, subject string) error {
	if voucher == subject {
		return nil
	}
	return r.Store.Tx(ctx, func(tx *store.Tx) error {
		voucherMember, err := tx.GetMember(voucher)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		if voucherMember.Tier != store.TierMember || voucherMember.Banned {
			return nil
		}

		subjectMember, err := tx.GetMember(subject)
		if err != nil {
			return err
		}
		if subjectMember.Tier == store.TierMember {
			return nil
		}

		if _, err := tx.AddVouch(&store.Vouch{Subject: subject, Voucher: voucher, CreatedAt: r.now()}); err != nil {
			return err
		}

		distinct, err := tx.CountDistinctVouchers(subject)
		if err != nil {
			return err
		}
		activeMembers, err := tx.CountActiveMembers()
		if err != nil {
			return err
		}
		needed := int64(math.Ceil(float64(activeMembers) * float64(r.quorumPct()) / 100.0))
		subjectMember.VouchCount = int(distinct)
		if distinct >= needed && needed > 0 {
			now := r.now()
			subjectMember.Tier = store.TierMember
			subjectMember.PromotedAt = &now
		}
		return tx.UpsertMember(subjectMember)
	})
}

// ProposeBan opens a new ban proposal against target, returning its id.
// Only a Member (never a Neophyte or the target itself) may propose.
func (r *Roster) ProposeBan(ctx context.Context, proposer, target, reason string) (string, error) {
	if proposer == target {
		return "", fmt.Errorf("membership: cannot propose a ban against oneself")
	}
	id := uuid.NewString()
	err := r.Store.Tx(ctx, func(tx *store.Tx) error {
		proposerMember, err := tx.GetMember(proposer)
		if err != nil {
			return err
		}
		if proposerMember.Tier != store.TierMember || proposerMember.Banned {
			return fmt.Errorf("membership: only active Members may propose bans")
		}
		return tx.CreateBanProposal(&store.BanProposal{
			ID: id, Target: target, Proposer: proposer, Reason: reason, CreatedAt: r.now(),
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// VoteBan records voter's decision on proposalID and, once approve votes
// reach quorum, applies an effective ban by setting the target's Banned
// flag; the dispatcher then drops the target's inbound traffic via
// IsBanned. Neither this call nor the dispatcher aborts Intents the target
// already announced.
func (r *Roster) VoteBan(ctx context.Context, voter, proposalID string, approve bool) (banned bool, err error) {
	err = r.Store.Tx(ctx, func(tx *store.Tx) error {
		voterMember, err := tx.GetMember(voter)
		if err != nil {
			return err
		}
		if voterMember.Tier != store.TierMember || voterMember.Banned {
			return fmt.Errorf("membership: only active Members may vote on bans")
		}
		proposal, err := tx.GetBanProposal(proposalID)
		if err != nil {
			return err
		}
		if proposal.Resolved {
			return nil
		}
		if _, err := tx.RecordBanVote(&store.BanVote{
			ProposalID: proposalID, Voter: voter, Approve: approve, CreatedAt: r.now(),
		}); err != nil {
			return err
		}

		approvals, err := tx.CountBanVotes(proposalID, true)
		if err != nil {
			return err
		}
		activeMembers, err := tx.CountActiveMembers()
		if err != nil {
			return err
		}
		needed := int64(math.Ceil(float64(activeMembers) * float64(r.quorumPct()) / 100.0))
		if approvals < needed || needed == 0 {
			return nil
		}

		if err := tx.ResolveBanProposal(proposalID, true); err != nil {
			return err
		}
		target, err := tx.GetMember(proposal.Target)
		if err != nil {
			return err
		}
		now := r.now()
		target.Banned = true
		target.BannedAt = &now
		if r.BanDuration > 0 {
			expiry := now.Add(r.BanDuration)
			target.BanExpiresAt = &expiry
		} else {
			target.BanExpiresAt = nil
		}
		banned = true
		return tx.UpsertMember(target)
	})
	return banned, err
}

// ActiveMemberIDs lists the node_ids of every non-banned Member-tier
// participant, the denominator settlement voting and quorum math needs.
func (r *Roster) ActiveMemberIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.Store.Tx(ctx, func(tx *store.Tx) error {
		members, err := tx.ListMembersFiltered("tier", store.TierMember)
		if err != nil {
			return err
		}
		for _, m := range members {
			if !m.Banned {
				ids = append(ids, m.NodeID)
			}
		}
		return nil
	})
	return ids, err
}

// SweepExpiredBans lifts every ban whose BanExpiresAt has passed, restoring
// the target to ordinary standing (spec §3: bans are reversible by expiry
// without requiring an explicit amnesty vote).
func (r *Roster) SweepExpiredBans(ctx context.Context) (int, error) {
	n := 0
	err := r.Store.Tx(ctx, func(tx *store.Tx) error {
		expired, err := tx.ExpiredBans(r.now())
		if err != nil {
			return err
		}
		for _, m := range expired {
			if err := tx.LiftBan(m.NodeID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Amnesty lifts target's ban immediately regardless of its expiry, for an
// explicit operator pardon.
func (r *Roster) Amnesty(ctx context.Context, target string) error {
	return r.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.LiftBan(target)
	})
}

// PurgeRetiredBanProposals deletes resolved ban proposals (and votes) older
// than the configured retention window, per spec §3's row-purge requirement.
func (r *Roster) PurgeRetiredBanProposals(ctx context.Context, retention time.Duration) error {
	cutoff := r.now().Add(-retention)
	return r.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.PurgeRetiredBanProposals(cutoff)
	})
}

// OpenProposalForTarget resolves a BAN_VOTE's bare target reference to the
// proposal id currently open against it.
func (r *Roster) OpenProposalForTarget(ctx context.Context, target string) (string, error) {
	var id string
	err := r.Store.Tx(ctx, func(tx *store.Tx) error {
		p, err := tx.OpenBanProposalForTarget(target)
		if err != nil {
			return err
		}
		id = p.ID
		return nil
	})
	return id, err
}

// IsBanned reports whether nodeID currently carries an effective ban.
func (r *Roster) IsBanned(ctx context.Context, nodeID string) (bool, error) {
	var banned bool
	err := r.Store.Tx(ctx, func(tx *store.Tx) error {
		m, err := tx.GetMember(nodeID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		banned = m.Banned
		return nil
	})
	return banned, err
}

// RequireUnbanned is a guard helper for the dispatcher: returns
// errs.BannedPeer if nodeID is banned, nil (including "unknown peer")
// otherwise.
func (r *Roster) RequireUnbanned(ctx context.Context, nodeID string) error {
	banned, err := r.IsBanned(ctx, nodeID)
	if err != nil {
		return err
	}
	if banned {
		return fmt.Errorf("%w: %s", errs.BannedPeer, nodeID)
	}
	return nil
}
