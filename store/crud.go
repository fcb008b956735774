package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound mirrors gorm's not-found sentinel so callers outside this
// package don't need to import gorm directly.
var ErrNotFound = gorm.ErrRecordNotFound

func (t *Tx) GetMember(nodeID string) (*Member, error) {
	var m Member
	if err := t.db.First(&m, "node_id = ?", nodeID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *Tx) UpsertMember(m *Member) error {
	return t.db.Save(m).Error
}

func (t *Tx) AllMembers() ([]Member, error) {
	var members []Member
	err := t.db.Find(&members).Error
	return members, err
}

func (t *Tx) CountActiveMembers() (int64, error) {
	var n int64
	err := t.db.Model(&Member{}).Where("tier = ? AND banned = ?", TierMember, false).Count(&n).Error
	return n, err
}

func (t *Tx) AddVouch(v *Vouch) (created bool, err error) {
	result := t.db.Clauses().Where("subject = ? AND voucher = ?", v.Subject, v.Voucher).FirstOrCreate(v)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (t *Tx) CountDistinctVouchers(subject string) (int64, error) {
	var n int64
	err := t.db.Model(&Vouch{}).Where("subject = ?", subject).Count(&n).Error
	return n, err
}

func (t *Tx) CreateBanProposal(p *BanProposal) error {
	return t.db.Create(p).Error
}

func (t *Tx) GetBanProposal(id string) (*BanProposal, error) {
	var p BanProposal
	if err := t.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// OpenBanProposalForTarget returns the most recently created unresolved ban
// proposal against target, used to resolve a BAN_VOTE that carries only the
// target rather than the proposal id.
func (t *Tx) OpenBanProposalForTarget(target string) (*BanProposal, error) {
	var p BanProposal
	err := t.db.Where("target = ? AND resolved = ?", target, false).
		Order("created_at desc").First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Tx) RecordBanVote(v *BanVote) (created bool, err error) {
	result := t.db.Where("proposal_id = ? AND voter = ?", v.ProposalID, v.Voter).FirstOrCreate(v)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (t *Tx) CountBanVotes(proposalID string, approve bool) (int64, error) {
	var n int64
	err := t.db.Model(&BanVote{}).Where("proposal_id = ? AND approve = ?", proposalID, approve).Count(&n).Error
	return n, err
}

func (t *Tx) ResolveBanProposal(id string, approved bool) error {
	return t.db.Model(&BanProposal{}).Where("id = ?", id).Updates(map[string]any{
		"resolved": true, "approved": approved,
	}).Error
}

func (t *Tx) GetStateRecord(owner string) (*StateRecord, error) {
	var rec StateRecord
	if err := t.db.First(&rec, "owner = ?", owner).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *Tx) UpsertStateRecord(rec *StateRecord) error {
	return t.db.Save(rec).Error
}

func (t *Tx) AllStateRecords() ([]StateRecord, error) {
	var recs []StateRecord
	err := t.db.Find(&recs).Error
	return recs, err
}

func (t *Tx) CreateIntent(i *Intent) error {
	return t.db.Create(i).Error
}

func (t *Tx) GetIntent(id string) (*Intent, error) {
	var i Intent
	if err := t.db.First(&i, "intent_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &i, nil
}

func (t *Tx) UpdateIntentState(id, state string, resolvedAt *time.Time) error {
	updates := map[string]any{"state": state}
	if resolvedAt != nil {
		updates["resolved_at"] = *resolvedAt
	}
	return t.db.Model(&Intent{}).Where("intent_id = ?", id).Updates(updates).Error
}

func (t *Tx) IntentsInState(state string) ([]Intent, error) {
	var intents []Intent
	err := t.db.Where("state = ?", state).Find(&intents).Error
	return intents, err
}

func (t *Tx) AllIntents() ([]Intent, error) {
	var intents []Intent
	err := t.db.Find(&intents).Error
	return intents, err
}

func (t *Tx) UpsertFeeReport(r *FeeReport) error {
	return t.db.Save(r).Error
}

func (t *Tx) FeeReportsForPeriod(periodID string) ([]FeeReport, error) {
	var reports []FeeReport
	err := t.db.Where("period_id = ?", periodID).Find(&reports).Error
	return reports, err
}

func (t *Tx) GetSettlementRound(periodID string) (*SettlementRound, error) {
	var r SettlementRound
	if err := t.db.First(&r, "period_id = ?", periodID).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) CreateSettlementRound(r *SettlementRound) error {
	if err := t.db.Create(r).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("settlement round %s already exists: %w", r.PeriodID, err)
		}
		return err
	}
	return nil
}

// ClearSettlementRound deletes an aborted round's shares, votes, and row so
// the period can be re-proposed from a clean slate. Callers must only call
// this on a round already in a terminal Aborted state.
func (t *Tx) ClearSettlementRound(periodID string) error {
	if err := t.db.Where("period_id = ?", periodID).Delete(&SettlementVote{}).Error; err != nil {
		return err
	}
	if err := t.db.Where("period_id = ?", periodID).Delete(&SettlementShare{}).Error; err != nil {
		return err
	}
	return t.db.Where("period_id = ?", periodID).Delete(&SettlementRound{}).Error
}

func (t *Tx) UpdateSettlementRoundState(periodID, state string) error {
	return t.db.Model(&SettlementRound{}).Where("period_id = ?", periodID).Update("state", state).Error
}

// MarkSettlementRoundSettled moves a round to the terminal Settled state
// and stamps executed_at, the timestamp archival export groups by.
func (t *Tx) MarkSettlementRoundSettled(periodID string, executedAt time.Time) error {
	return t.db.Model(&SettlementRound{}).Where("period_id = ?", periodID).Updates(map[string]interface{}{
		"state":       "settled",
		"executed_at": executedAt,
	}).Error
}

func (t *Tx) SaveSettlementShares(shares []SettlementShare) error {
	if len(shares) == 0 {
		return nil
	}
	return t.db.Save(&shares).Error
}

func (t *Tx) SharesForPeriod(periodID string) ([]SettlementShare, error) {
	var shares []SettlementShare
	err := t.db.Where("period_id = ?", periodID).Find(&shares).Error
	return shares, err
}

// SettledRoundsSince lists settlement rounds that reached the terminal
// "settled" state at or after since, ordered oldest first, for archival
// export. The state name is a plain string rather than the settlement
// package's constant to avoid a store->settlement import cycle; keep it
// in sync with settlement.StateSettled.
func (t *Tx) SettledRoundsSince(since time.Time) ([]SettlementRound, error) {
	var rounds []SettlementRound
	err := t.db.Where("state = ? AND executed_at >= ?", "settled", since).
		Order("executed_at asc").
		Find(&rounds).Error
	return rounds, err
}

func (t *Tx) RecordSettlementVote(v *SettlementVote) (created bool, err error) {
	result := t.db.Where("period_id = ? AND voter = ?", v.PeriodID, v.Voter).FirstOrCreate(v)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (t *Tx) CountSettlementVotes(periodID string, approve bool) (int64, error) {
	var n int64
	err := t.db.Model(&SettlementVote{}).Where("period_id = ? AND approve = ?", periodID, approve).Count(&n).Error
	return n, err
}

func (t *Tx) CreateExpansionRound(r *ExpansionRound) error {
	return t.db.Create(r).Error
}

func (t *Tx) GetExpansionRound(roundID string) (*ExpansionRound, error) {
	var r ExpansionRound
	if err := t.db.First(&r, "round_id = ?", roundID).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) RoundsForTarget(target string) ([]ExpansionRound, error) {
	var rounds []ExpansionRound
	err := t.db.Where("target = ?", target).Find(&rounds).Error
	return rounds, err
}

func (t *Tx) ExpansionRoundsInState(state string) ([]ExpansionRound, error) {
	var rounds []ExpansionRound
	err := t.db.Where("state = ?", state).Find(&rounds).Error
	return rounds, err
}

func (t *Tx) UpsertExpansionNomination(n *ExpansionNomination) error {
	return t.db.Save(n).Error
}

func (t *Tx) NominationsForRound(roundID string) ([]ExpansionNomination, error) {
	var noms []ExpansionNomination
	err := t.db.Where("round_id = ?", roundID).Find(&noms).Error
	return noms, err
}

func (t *Tx) UpdateExpansionRoundState(roundID, state, winner string) error {
	updates := map[string]any{"state": state}
	if winner != "" {
		updates["winner"] = winner
	}
	return t.db.Model(&ExpansionRound{}).Where("round_id = ?", roundID).Updates(updates).Error
}

func (t *Tx) CreatePendingAction(p *PendingAction) error {
	return t.db.Create(p).Error
}

func (t *Tx) PendingActions() ([]PendingAction, error) {
	var actions []PendingAction
	err := t.db.Where("resolved = ?", false).Find(&actions).Error
	return actions, err
}

func (t *Tx) GetPendingAction(id string) (*PendingAction, error) {
	var p PendingAction
	if err := t.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Tx) ResolvePendingAction(id string) error {
	return t.db.Model(&PendingAction{}).Where("id = ?", id).Update("resolved", true).Error
}

// ExpiredBans lists bans whose expiry has passed and have not yet been
// lifted, for the membership tick's amnesty sweep.
func (t *Tx) ExpiredBans(asOf time.Time) ([]Member, error) {
	var members []Member
	err := t.db.Where("banned = ? AND ban_expires_at IS NOT NULL AND ban_expires_at <= ?", true, asOf).Find(&members).Error
	return members, err
}

// LiftBan clears a member's ban flag and expiry once it has run its course,
// restoring the member to ordinary standing at its prior tier.
func (t *Tx) LiftBan(nodeID string) error {
	return t.db.Model(&Member{}).Where("node_id = ?", nodeID).Updates(map[string]any{
		"banned": false, "ban_expires_at": nil,
	}).Error
}

// PurgeRetiredBanProposals deletes resolved ban proposals (and their votes)
// older than cutoff, honoring the operator-configured retention window.
func (t *Tx) PurgeRetiredBanProposals(cutoff time.Time) error {
	var proposals []BanProposal
	if err := t.db.Where("resolved = ? AND created_at <= ?", true, cutoff).Find(&proposals).Error; err != nil {
		return err
	}
	for _, p := range proposals {
		if err := t.db.Where("proposal_id = ?", p.ID).Delete(&BanVote{}).Error; err != nil {
			return err
		}
		if err := t.db.Delete(&BanProposal{}, "id = ?", p.ID).Error; err != nil {
			return err
		}
	}
	return nil
}
