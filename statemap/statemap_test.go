package statemap

import (
	"context"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/identity"
	"github.com/lightning-goats/cl-hive-sub002/store"
	"github.com/stretchr/testify/require"
)

func newTestGossip(t *testing.T) *Gossip {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &Gossip{Store: s}
}

func mustKey(t *testing.T) *identity.PrivateKey {
	t.Helper()
	k, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	return k
}

func TestLocalUpdateBumpsVersionOnlyOnContentChange(t *testing.T) {
	key := mustKey(t)
	l := NewLocal(key, Record{CapacityMsat: 1000})
	require.EqualValues(t, 1, l.Version())

	l.Update(Record{CapacityMsat: 1000})
	require.EqualValues(t, 1, l.Version(), "re-emitting identical content must not bump version")

	l.Update(Record{CapacityMsat: 2000})
	require.EqualValues(t, 2, l.Version())
}

func TestExceedsThreshold(t *testing.T) {
	base := Record{CapacityMsat: 1000, Balances: map[string]int64{"c1": 500}}
	require.False(t, ExceedsThreshold(base, Record{CapacityMsat: 1050, Balances: map[string]int64{"c1": 500}}, 10))
	require.True(t, ExceedsThreshold(base, Record{CapacityMsat: 1200, Balances: map[string]int64{"c1": 500}}, 10))
	require.True(t, ExceedsThreshold(base, Record{CapacityMsat: 1000, Balances: map[string]int64{"c1": 900}}, 10))
}

func TestGossipMergeAcceptsOnlyHigherVersion(t *testing.T) {
	g := newTestGossip(t)
	key := mustKey(t)
	ctx := context.Background()
	owner := string(key.NodeID())

	l := NewLocal(key, Record{CapacityMsat: 1000})
	payload, err := l.Sign(time.Now())
	require.NoError(t, err)

	require.NoError(t, g.Merge(ctx, owner, payload, time.Now()))

	versions, err := g.VersionsByOwner(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, versions[owner])

	// Replaying the same version is a no-op, not an error.
	require.NoError(t, g.Merge(ctx, owner, payload, time.Now()))

	l.Update(Record{CapacityMsat: 5000})
	newer, err := l.Sign(time.Now())
	require.NoError(t, err)
	require.NoError(t, g.Merge(ctx, owner, newer, time.Now()))

	versions, err = g.VersionsByOwner(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, versions[owner])
}

func TestGossipMergeRejectsOwnerSignerMismatch(t *testing.T) {
	g := newTestGossip(t)
	key := mustKey(t)
	ctx := context.Background()
	l := NewLocal(key, Record{CapacityMsat: 1000})
	payload, err := l.Sign(time.Now())
	require.NoError(t, err)

	require.Error(t, g.Merge(ctx, "someone-else", payload, time.Now()))
}

func TestRecordsSinceReturnsOnlyNewer(t *testing.T) {
	g := newTestGossip(t)
	key := mustKey(t)
	ctx := context.Background()
	owner := string(key.NodeID())
	l := NewLocal(key, Record{CapacityMsat: 1000})
	payload, err := l.Sign(time.Now())
	require.NoError(t, err)
	require.NoError(t, g.Merge(ctx, owner, payload, time.Now()))

	_, found, err := g.RecordsSince(ctx, owner, 1)
	require.NoError(t, err)
	require.False(t, found)

	rec, found, err := g.RecordsSince(ctx, owner, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, rec.Version)
}
