package intent

import (
	"context"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/store"
	"github.com/stretchr/testify/require"
)

type fakeSender struct{}

func (fakeSender) Broadcast(ctx context.Context, frame []byte) error { return nil }

func newTestLock(t *testing.T) *Lock {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewLock(s, fakeSender{})
}

func TestAnnounceWithNoCompetitorsAlwaysWins(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()
	in, err := l.Announce(ctx, "node-a", "channel_open", "target-1")
	require.NoError(t, err)

	won, err := l.Resolve(ctx, in)
	require.NoError(t, err)
	require.True(t, won)

	err = l.Store.Tx(ctx, func(tx *store.Tx) error {
		got, err := tx.GetIntent(in.IntentID)
		require.NoError(t, err)
		require.Equal(t, StateCommitted, got.State)
		return nil
	})
	require.NoError(t, err)
}

func TestResolvePicksLexicographicallySmallestID(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()
	in, err := l.Announce(ctx, "node-a", "channel_open", "target-1")
	require.NoError(t, err)

	// Force a deterministic loser: a competitor id that sorts before ours.
	smaller := "0" + in.IntentID
	l.ObserveRemote(smaller, "channel_open", "target-1", "node-b", in.AnnouncedAt, in.CommitDeadline)

	won, err := l.Resolve(ctx, in)
	require.NoError(t, err)
	require.False(t, won)

	err = l.Store.Tx(ctx, func(tx *store.Tx) error {
		got, err := tx.GetIntent(in.IntentID)
		require.NoError(t, err)
		require.Equal(t, StateAborted, got.State)
		return nil
	})
	require.NoError(t, err)
}

func TestCompetitorsIgnoreDifferentSubject(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()
	in, err := l.Announce(ctx, "node-a", "channel_open", "target-1")
	require.NoError(t, err)

	l.ObserveRemote("z-other", "channel_open", "target-2", "node-b", in.AnnouncedAt, in.CommitDeadline)

	won, err := l.Resolve(ctx, in)
	require.NoError(t, err)
	require.True(t, won, "a competitor for a different subject must not affect resolution")
}

func TestRemoteCacheEvictsOldestFirst(t *testing.T) {
	l := newTestLock(t)
	now := time.Now()
	for i := 0; i < MaxRemoteCache+10; i++ {
		id := time.Unix(int64(i), 0).Format(time.RFC3339Nano)
		l.ObserveRemote(id, "channel_open", "target-1", "node-b", now, now.Add(time.Minute))
	}
	require.Equal(t, MaxRemoteCache, l.CacheSize())
	_, oldestKept := l.remote[time.Unix(0, 0).Format(time.RFC3339Nano)]
	require.False(t, oldestKept, "the first-observed intent must be evicted")
	_, newestKept := l.remote[time.Unix(int64(MaxRemoteCache+9), 0).Format(time.RFC3339Nano)]
	require.True(t, newestKept, "the most recently observed intent must be kept")
}

func TestSweepExpiresStaleAnnouncements(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	l.NowFn = func() time.Time { return past }
	in, err := l.Announce(ctx, "node-a", "channel_open", "target-1")
	require.NoError(t, err)

	l.NowFn = func() time.Time { return past.Add(time.Hour) }
	require.NoError(t, l.Sweep(ctx))

	err = l.Store.Tx(ctx, func(tx *store.Tx) error {
		got, err := tx.GetIntent(in.IntentID)
		require.NoError(t, err)
		require.Equal(t, StateExpired, got.State)
		return nil
	})
	require.NoError(t, err)
}
