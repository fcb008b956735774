package store

import "time"

// Tier is a member's position in the two-tier roster.
type Tier string

const (
	TierNeophyte Tier = "neophyte"
	TierMember   Tier = "member"
)

// Member is a fleet participant row.
type Member struct {
	NodeID     string `gorm:"primaryKey;column:node_id"`
	Tier       Tier   `gorm:"column:tier"`
	VouchCount int    `gorm:"column:vouch_count"`
	AdmittedAt time.Time
	PromotedAt *time.Time
	Banned     bool
	BannedAt   *time.Time
	// BanExpiresAt is nil for a permanent ban; otherwise the membership
	// tick's amnesty sweep clears Banned once this passes (spec §3: bans
	// are time-bounded and reversible only by expiry or explicit amnesty).
	BanExpiresAt *time.Time
}

func (Member) TableName() string { return "members" }

// Vouch records one distinct voucher's signed endorsement of a subject.
type Vouch struct {
	Subject   string `gorm:"primaryKey;column:subject"`
	Voucher   string `gorm:"primaryKey;column:voucher"`
	CreatedAt time.Time
}

func (Vouch) TableName() string { return "vouches" }

// BanProposal is an open or resolved ban vote.
type BanProposal struct {
	ID        string `gorm:"primaryKey"`
	Target    string
	Proposer  string
	Reason    string
	CreatedAt time.Time
	Resolved  bool
	Approved  bool
	// ExpiresAt is stamped onto the resulting Member.BanExpiresAt when the
	// proposal resolves approved; nil means the proposer requested a
	// permanent ban.
	ExpiresAt *time.Time
}

func (BanProposal) TableName() string { return "ban_proposals" }

// BanVote is one Member's decision on a BanProposal.
type BanVote struct {
	ProposalID string `gorm:"primaryKey;column:proposal_id"`
	Voter      string `gorm:"primaryKey;column:voter"`
	Approve    bool
	CreatedAt  time.Time
}

func (BanVote) TableName() string { return "ban_votes" }

// StateRecord is one node's self-reported gossip state.
type StateRecord struct {
	Owner       string `gorm:"primaryKey;column:owner"`
	Version     uint64
	ContentHash string
	Payload     []byte
	Sig         string
	UpdatedAt   time.Time
}

func (StateRecord) TableName() string { return "state_records" }

// Intent is a locally owned or remotely observed Announce-Wait-Commit lock.
type Intent struct {
	IntentID       string `gorm:"primaryKey;column:intent_id"`
	Owner          string
	Kind           string
	Subject        string
	State          string
	AnnouncedAt    time.Time
	CommitDeadline time.Time
	ResolvedAt     *time.Time
}

func (Intent) TableName() string { return "intents" }

// FeeReport is one reporter's signed earnings claim for a settlement period.
type FeeReport struct {
	PeriodID       string `gorm:"primaryKey;column:period_id"`
	Reporter       string `gorm:"primaryKey;column:reporter"`
	AmountMsat     uint64
	CapacityMsat   uint64
	RoutingVolume  uint64
	UptimeSeconds  uint64
	ReceivedAt     time.Time
	SupersededByTs *time.Time
}

func (FeeReport) TableName() string { return "fee_reports" }

// SettlementRound is the Propose/Vote/Execute lifecycle for one period.
type SettlementRound struct {
	PeriodID   string `gorm:"primaryKey;column:period_id"`
	State      string
	PoolMsat   uint64
	DataHash   string
	ProposedAt time.Time
	ExecutedAt *time.Time
	AbortedAt  *time.Time
}

func (SettlementRound) TableName() string { return "settlement_rounds" }

// SettlementShare is one member's computed allocation within a round.
type SettlementShare struct {
	PeriodID string `gorm:"primaryKey;column:period_id"`
	NodeID   string `gorm:"primaryKey;column:node_id"`
	AmountMsat uint64
}

func (SettlementShare) TableName() string { return "settlement_shares" }

// SettlementVote is one member's Propose/Execute decision.
type SettlementVote struct {
	PeriodID  string `gorm:"primaryKey;column:period_id"`
	Voter     string `gorm:"primaryKey;column:voter"`
	Approve   bool
	CreatedAt time.Time
}

func (SettlementVote) TableName() string { return "settlement_votes" }

// ExpansionRound is a two-phase Nominate/Elect channel-open election.
type ExpansionRound struct {
	RoundID   string `gorm:"primaryKey;column:round_id"`
	Target    string
	State     string
	Winner    string
	StartedAt time.Time
	ElectedAt *time.Time
}

func (ExpansionRound) TableName() string { return "expansion_rounds" }

// ExpansionNomination is one member's signed candidacy within a round.
type ExpansionNomination struct {
	RoundID   string `gorm:"primaryKey;column:round_id"`
	Nominator string `gorm:"primaryKey;column:nominator"`
	Score     float64
	CreatedAt time.Time
}

func (ExpansionNomination) TableName() string { return "expansion_nominations" }

// PendingAction is an advisor-mode record of a decision the core would have
// taken, awaiting operator confirmation instead of invoking the executor.
type PendingAction struct {
	ID        string `gorm:"primaryKey"`
	Kind      string
	Detail    string
	CreatedAt time.Time
	Resolved  bool
}

func (PendingAction) TableName() string { return "pending_actions" }

// SchemaVersion records the schema generation the store was initialized
// with, checked at startup against the binary's expected version.
type SchemaVersion struct {
	ID      int `gorm:"primaryKey"`
	Version int
}

func (SchemaVersion) TableName() string { return "schema_version" }

// AllModels lists every model AutoMigrate must cover.
func AllModels() []any {
	return []any{
		&Member{}, &Vouch{}, &BanProposal{}, &BanVote{},
		&StateRecord{}, &Intent{},
		&FeeReport{}, &SettlementRound{}, &SettlementShare{}, &SettlementVote{},
		&ExpansionRound{}, &ExpansionNomination{},
		&PendingAction{}, &SchemaVersion{},
	}
}
