package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.toml")

	m, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, GovernanceAdvisor, m.Current().GovernanceMode)
	require.Equal(t, 51, m.Current().VouchQuorumPct)
}

func TestReloadRejectsUnknownOption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.toml")
	m, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not_a_real_option = 1\n"), 0o644))
	err = m.Reload()
	require.Error(t, err)
	require.Equal(t, GovernanceAdvisor, m.Current().GovernanceMode, "a rejected reload must not change the published snapshot")
}

func TestReloadRejectsDBPathChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.toml")
	m, err := Load(path)
	require.NoError(t, err)
	original := m.Current().DBPath

	require.NoError(t, os.WriteFile(path, []byte(`db_path = "/somewhere/else.db"`+"\n"), 0o644))
	err = m.Reload()
	require.Error(t, err)
	require.Equal(t, original, m.Current().DBPath)
}

func TestReloadAppliesValidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.toml")
	m, err := Load(path)
	require.NoError(t, err)
	dbPath := m.Current().DBPath

	content := `
governance_mode = "autonomous"
gossip_threshold_pct = 15
heartbeat_interval_s = 300
intent_wait_s = 10
intent_cache_max = 200
max_active_rounds = 5
expansion_cooldown_s = 300
vouch_quorum_pct = 51
daily_budget_sat = 0
reserve_pct = 0
per_channel_cap_sat = 0
db_path = "` + dbPath + `"

[settlement_weights]
capacity = 0.30
volume = 0.60
uptime = 0.10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, m.Reload())
	require.Equal(t, GovernanceAutonomous, m.Current().GovernanceMode)
	require.Equal(t, 15.0, m.Current().GossipThresholdPct)
}

func TestValidateRejectsBadSettlementWeights(t *testing.T) {
	snap := defaults()
	snap.SettlementWeights.Capacity = 0.9
	require.Error(t, snap.validate())
}
