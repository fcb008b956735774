package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/errs"
	"github.com/lightning-goats/cl-hive-sub002/store"
	"github.com/stretchr/testify/require"
)

func TestForTimeUsesISOCalendar(t *testing.T) {
	// 2026-01-01 is a Thursday; ISO week 1 of 2026 includes it.
	require.Equal(t, "2026-W01", ForTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))
	// 2025-12-29 is a Monday that belongs to ISO week 1 of 2026.
	require.Equal(t, "2026-W01", ForTime(time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)))
}

func TestBoundsRoundTripsForTime(t *testing.T) {
	start, end, err := Bounds("2026-W03")
	require.NoError(t, err)
	require.Equal(t, "2026-W03", ForTime(start))
	require.True(t, end.After(start))
	require.Equal(t, 7*24*time.Hour, end.Sub(start))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestComputeDistributesRemainderToLowestNodeID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		for _, rep := range []store.FeeReport{
			{PeriodID: "2026-W03", Reporter: "a", AmountMsat: 10000, CapacityMsat: 1, RoutingVolume: 10000, UptimeSeconds: 1},
			{PeriodID: "2026-W03", Reporter: "b", AmountMsat: 20000, CapacityMsat: 1, RoutingVolume: 20000, UptimeSeconds: 1},
			{PeriodID: "2026-W03", Reporter: "c", AmountMsat: 0, CapacityMsat: 1, RoutingVolume: 0, UptimeSeconds: 1},
		} {
			if err := tx.UpsertFeeReport(&rep); err != nil {
				return err
			}
		}
		return nil
	}))

	c := &Computer{Store: s}
	pool, err := c.Compute(ctx, "2026-W03", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.EqualValues(t, 30000, pool.TotalMsat)

	var sum uint64
	for _, amt := range pool.Shares {
		sum += amt
	}
	require.EqualValues(t, pool.TotalMsat, sum, "shares must sum exactly to the pool total")
	require.NotEmpty(t, pool.DataHash)
}

func TestComputeIsDeterministic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		return tx.UpsertFeeReport(&store.FeeReport{PeriodID: "2026-W03", Reporter: "a", AmountMsat: 5000, CapacityMsat: 2, RoutingVolume: 5, UptimeSeconds: 9})
	}))
	c := &Computer{Store: s}
	p1, err := c.Compute(ctx, "2026-W03", []string{"a"})
	require.NoError(t, err)
	p2, err := c.Compute(ctx, "2026-W03", []string{"a"})
	require.NoError(t, err)
	require.Equal(t, p1.DataHash, p2.DataHash)
}

func TestProposeRejectsWhenAlreadySettled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := &Round{Store: s}
	pool := &Pool{PeriodID: "2026-W03", TotalMsat: 100, Shares: map[string]uint64{"a": 100}, DataHash: "x"}
	require.NoError(t, r.Propose(ctx, pool))

	quorum, err := r.Vote(ctx, pool.PeriodID, "a", 1)
	require.NoError(t, err)
	require.True(t, quorum)
	require.NoError(t, r.MarkSettled(ctx, pool.PeriodID))

	err = r.Propose(ctx, pool)
	require.True(t, errors.Is(err, errs.PeriodAlreadySettled))
}

func TestVoteReachesQuorumAtFiftyOnePercent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := &Round{Store: s}
	pool := &Pool{PeriodID: "2026-W04", TotalMsat: 100, Shares: map[string]uint64{"a": 100}, DataHash: "x"}
	require.NoError(t, r.Propose(ctx, pool))

	quorum, err := r.Vote(ctx, pool.PeriodID, "a", 3)
	require.NoError(t, err)
	require.False(t, quorum, "1 of 3 members is below 51% quorum")

	quorum, err = r.Vote(ctx, pool.PeriodID, "b", 3)
	require.NoError(t, err)
	require.True(t, quorum, "2 of 3 members clears 51% quorum")
}

func TestSweepTimeoutsAbortsStaleProposal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-7 * time.Hour)
	r := &Round{Store: s, NowFn: func() time.Time { return past }}
	pool := &Pool{PeriodID: "2026-W05", TotalMsat: 100, Shares: map[string]uint64{"a": 100}, DataHash: "x"}
	require.NoError(t, r.Propose(ctx, pool))

	r.NowFn = func() time.Time { return past.Add(7 * time.Hour) }
	require.NoError(t, r.SweepTimeouts(ctx, []string{pool.PeriodID}))

	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		got, err := tx.GetSettlementRound(pool.PeriodID)
		require.NoError(t, err)
		require.Equal(t, StateAborted, got.State)
		return nil
	}))
}
