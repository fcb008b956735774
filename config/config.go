// Package config loads and hot-reloads the coordination core's TOML
// configuration (spec §6): every recognized option publishes into an
// immutable Snapshot so a background loop mid-cycle always observes a
// single consistent view, never a partially applied reload.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
)

// GovernanceMode selects how action-producing code paths behave (spec §9).
type GovernanceMode string

const (
	GovernanceAdvisor    GovernanceMode = "advisor"
	GovernanceAutonomous GovernanceMode = "autonomous"
	GovernanceOracle     GovernanceMode = "oracle"
)

func (m GovernanceMode) valid() bool {
	switch m {
	case GovernanceAdvisor, GovernanceAutonomous, GovernanceOracle:
		return true
	}
	return false
}

// SettlementWeights are the pool-weighting coefficients of spec §4.8.
type SettlementWeights struct {
	Capacity float64 `toml:"capacity"`
	Volume   float64 `toml:"volume"`
	Uptime   float64 `toml:"uptime"`
}

// Snapshot is the immutable, fully-validated configuration in force for one
// reload cycle. Every field here is hot-reloadable except DBPath.
type Snapshot struct {
	GovernanceMode      GovernanceMode    `toml:"governance_mode"`
	GossipThresholdPct  float64           `toml:"gossip_threshold_pct"`
	HeartbeatIntervalS  int               `toml:"heartbeat_interval_s"`
	IntentWaitS         int               `toml:"intent_wait_s"`
	IntentCacheMax      int               `toml:"intent_cache_max"`
	MaxActiveRounds     int               `toml:"max_active_rounds"`
	ExpansionCooldownS  int               `toml:"expansion_cooldown_s"`
	VouchQuorumPct      int               `toml:"vouch_quorum_pct"`
	SettlementWeights   SettlementWeights `toml:"settlement_weights"`
	DailyBudgetSat      int64             `toml:"daily_budget_sat"`
	ReservePct          float64           `toml:"reserve_pct"`
	PerChannelCapSat    int64             `toml:"per_channel_cap_sat"`
	BanDurationS        int64             `toml:"ban_duration_s"`
	BanRetentionS       int64             `toml:"ban_retention_s"`
	DBPath              string            `toml:"db_path"`
}

// defaults mirrors the spec's named defaults so a fresh deployment has
// sane, documented behavior out of the box.
func defaults() Snapshot {
	return Snapshot{
		GovernanceMode:     GovernanceAdvisor,
		GossipThresholdPct: 10,
		HeartbeatIntervalS: 300,
		IntentWaitS:        10,
		IntentCacheMax:     200,
		MaxActiveRounds:    5,
		ExpansionCooldownS: 300,
		VouchQuorumPct:     51,
		SettlementWeights:  SettlementWeights{Capacity: 0.30, Volume: 0.60, Uptime: 0.10},
		DailyBudgetSat:     0,
		ReservePct:         0,
		PerChannelCapSat:   0,
		BanDurationS:       30 * 24 * 3600,
		BanRetentionS:      90 * 24 * 3600,
		DBPath:             "./hive.db",
	}
}

func (s Snapshot) validate() error {
	if !s.GovernanceMode.valid() {
		return fmt.Errorf("config: unrecognized governance_mode %q", s.GovernanceMode)
	}
	if s.GossipThresholdPct <= 0 {
		return fmt.Errorf("config: gossip_threshold_pct must be positive")
	}
	if s.HeartbeatIntervalS <= 0 {
		return fmt.Errorf("config: heartbeat_interval_s must be positive")
	}
	if s.IntentWaitS <= 0 {
		return fmt.Errorf("config: intent_wait_s must be positive")
	}
	if s.IntentCacheMax <= 0 {
		return fmt.Errorf("config: intent_cache_max must be positive")
	}
	if s.MaxActiveRounds <= 0 {
		return fmt.Errorf("config: max_active_rounds must be positive")
	}
	if s.ExpansionCooldownS <= 0 {
		return fmt.Errorf("config: expansion_cooldown_s must be positive")
	}
	if s.VouchQuorumPct <= 0 || s.VouchQuorumPct > 100 {
		return fmt.Errorf("config: vouch_quorum_pct must be in (0, 100]")
	}
	sum := s.SettlementWeights.Capacity + s.SettlementWeights.Volume + s.SettlementWeights.Uptime
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: settlement_weights must sum to 1.0, got %f", sum)
	}
	if s.ReservePct < 0 || s.ReservePct > 100 {
		return fmt.Errorf("config: reserve_pct must be in [0, 100]")
	}
	if s.BanDurationS < 0 {
		return fmt.Errorf("config: ban_duration_s must not be negative")
	}
	if s.BanRetentionS <= 0 {
		return fmt.Errorf("config: ban_retention_s must be positive")
	}
	if s.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}
	return nil
}

// Manager owns the currently published Snapshot and mediates reloads.
// Reads never block: Current() is a lock-free atomic load.
type Manager struct {
	path    string
	current atomic.Pointer[Snapshot]

	reloadMu sync.Mutex
}

// Load reads path, creating a default configuration file if none exists,
// validates it, and returns a Manager publishing the initial Snapshot.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		snap := defaults()
		if err := writeSnapshot(path, snap); err != nil {
			return nil, err
		}
		m.current.Store(&snap)
		return m, nil
	}

	snap, err := decodeAndValidate(path, nil)
	if err != nil {
		return nil, err
	}
	m.current.Store(snap)
	return m, nil
}

// Current returns the Snapshot in force right now. The returned value is
// immutable; callers holding onto it across a Reload continue observing
// the cycle's original configuration, per spec §6.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Reload re-reads the backing file, validates every change against the
// currently published Snapshot (rejecting an attempted db_path change),
// and only then publishes the new Snapshot atomically. A validation
// failure leaves the previous Snapshot in force.
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	previous := m.current.Load()
	next, err := decodeAndValidate(m.path, previous)
	if err != nil {
		return err
	}
	m.current.Store(next)
	return nil
}

func decodeAndValidate(path string, previous *Snapshot) (*Snapshot, error) {
	snap := defaults()
	meta, err := toml.DecodeFile(path, &snap)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unrecognized option %q", undecoded[0].String())
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	if previous != nil && snap.DBPath != previous.DBPath {
		return nil, fmt.Errorf("config: db_path is immutable after startup (was %q, reload requested %q)", previous.DBPath, snap.DBPath)
	}
	return &snap, nil
}

func writeSnapshot(path string, snap Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(snap); err != nil {
		return fmt.Errorf("config: write default config: %w", err)
	}
	return nil
}
