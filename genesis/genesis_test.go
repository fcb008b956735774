package genesis

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/store"
	"github.com/stretchr/testify/require"
)

const founderA = "02a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
const founderB = "03a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

func writeManifest(t *testing.T, yamlBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	return path
}

func TestLoadRejectsEmptyManifest(t *testing.T) {
	path := writeManifest(t, "founders: []\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidNodeID(t *testing.T) {
	path := writeManifest(t, "founders:\n  - node_id: not-hex\n    label: bad\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateFounder(t *testing.T) {
	path := writeManifest(t, "founders:\n  - node_id: \""+founderA+"\"\n    label: a\n  - node_id: \""+founderA+"\"\n    label: a-again\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestBootstrapAdmitsFoundersAsMembers(t *testing.T) {
	path := writeManifest(t, "founders:\n  - node_id: \""+founderA+"\"\n    label: a\n  - node_id: \""+founderB+"\"\n    label: b\n")
	m, err := Load(path)
	require.NoError(t, err)

	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, Bootstrap(ctx, s, m, time.Now()))

	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		mem, err := tx.GetMember(founderA)
		require.NoError(t, err)
		require.Equal(t, store.TierMember, mem.Tier)
		return nil
	}))
}

func TestBootstrapIsNoOpWhenMembersExist(t *testing.T) {
	path := writeManifest(t, "founders:\n  - node_id: \""+founderA+"\"\n    label: a\n")
	m, err := Load(path)
	require.NoError(t, err)

	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		return tx.UpsertMember(&store.Member{NodeID: founderB, Tier: store.TierMember, AdmittedAt: time.Now()})
	}))

	require.NoError(t, Bootstrap(ctx, s, m, time.Now()))

	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		_, err := tx.GetMember(founderA)
		require.ErrorIs(t, err, store.ErrNotFound, "bootstrap must not run when the roster already has members")
		return nil
	}))
}
