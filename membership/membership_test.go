package membership

import (
	"context"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/store"
	"github.com/stretchr/testify/require"
)

func newTestRoster(t *testing.T) *Roster {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &Roster{Store: s, VouchQuorum: 51}
}

func promoteToMember(t *testing.T, r *Roster, nodeID string) {
	t.Helper()
	require.NoError(t, r.Store.Tx(context.Background(), func(tx *store.Tx) error {
		return tx.UpsertMember(&store.Member{NodeID: nodeID, Tier: store.TierMember, AdmittedAt: time.Now()})
	}))
}

func TestAdmitIsIdempotent(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()
	require.NoError(t, r.Admit(ctx, "peer-1"))
	require.NoError(t, r.Admit(ctx, "peer-1"))
}

func TestVouchPromotesAtQuorum(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()
	require.NoError(t, r.Admit(ctx, "subject"))
	for _, m := range []string{"m1", "m2", "m3"} {
		promoteToMember(t, r, m)
	}
	// 3 active members, 51% quorum -> ceil(1.53) = 2 distinct vouchers needed.
	require.NoError(t, r.Vouch(ctx, "m1", "subject"))

	err := r.Store.Tx(ctx, func(tx *store.Tx) error {
		s, err := tx.GetMember("subject")
		require.NoError(t, err)
		require.Equal(t, store.TierNeophyte, s.Tier)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, r.Vouch(ctx, "m2", "subject"))
	err = r.Store.Tx(ctx, func(tx *store.Tx) error {
		s, err := tx.GetMember("subject")
		require.NoError(t, err)
		require.Equal(t, store.TierMember, s.Tier)
		return nil
	})
	require.NoError(t, err)
}

func TestSelfVouchIsIgnored(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()
	promoteToMember(t, r, "m1")
	require.NoError(t, r.Vouch(ctx, "m1", "m1"))
}

func TestVouchFromNeophyteIsIgnored(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()
	require.NoError(t, r.Admit(ctx, "neophyte"))
	require.NoError(t, r.Admit(ctx, "subject"))
	require.NoError(t, r.Vouch(ctx, "neophyte", "subject"))

	err := r.Store.Tx(ctx, func(tx *store.Tx) error {
		count, err := tx.CountDistinctVouchers("subject")
		require.NoError(t, err)
		require.Zero(t, count)
		return nil
	})
	require.NoError(t, err)
}

func TestBanReachesQuorumAndBlocksFurtherIntents(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()
	for _, m := range []string{"m1", "m2", "m3", "target"} {
		promoteToMember(t, r, m)
	}

	id, err := r.ProposeBan(ctx, "m1", "target", "spam")
	require.NoError(t, err)

	banned, err := r.VoteBan(ctx, "m1", id, true)
	require.NoError(t, err)
	require.False(t, banned)

	banned, err = r.VoteBan(ctx, "m2", id, true)
	require.NoError(t, err)
	require.False(t, banned, "2 of 4 active Members is below the 51% quorum of 3")

	banned, err = r.VoteBan(ctx, "m3", id, true)
	require.NoError(t, err)
	require.True(t, banned)

	isBanned, err := r.IsBanned(ctx, "target")
	require.NoError(t, err)
	require.True(t, isBanned)

	require.Error(t, r.RequireUnbanned(ctx, "target"))
}

func TestRateLimiterPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	kvPath := dir + "/ratelimit"
	s1 := mustOpenKV(t, kvPath)
	limiter := NewRateLimiter(s1)
	limiter.Configure("vouch", 2, time.Hour)

	now := time.Now()
	ok, err := limiter.Allow("peer-1", "vouch", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = limiter.Allow("peer-1", "vouch", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = limiter.Allow("peer-1", "vouch", now)
	require.NoError(t, err)
	require.False(t, ok, "third vouch within the same hour must be dropped")
	require.NoError(t, s1.Close())

	s2 := mustOpenKV(t, kvPath)
	limiter2 := NewRateLimiter(s2)
	limiter2.Configure("vouch", 2, time.Hour)
	ok, err = limiter2.Allow("peer-1", "vouch", now)
	require.NoError(t, err)
	require.False(t, ok, "restart must not reset the persisted budget")
}
