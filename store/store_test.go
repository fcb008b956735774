package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMigratesSchema(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Tx(context.Background(), func(tx *Tx) error {
		_, err := tx.CountActiveMembers()
		return err
	}))
}

func TestMemberUpsertAndFilter(t *testing.T) {
	s := openTestStore(t)
	err := s.Tx(context.Background(), func(tx *Tx) error {
		if err := tx.UpsertMember(&Member{NodeID: "node-a", Tier: TierMember, AdmittedAt: time.Now()}); err != nil {
			return err
		}
		return tx.UpsertMember(&Member{NodeID: "node-b", Tier: TierNeophyte, AdmittedAt: time.Now()})
	})
	require.NoError(t, err)

	err = s.Tx(context.Background(), func(tx *Tx) error {
		members, err := tx.ListMembersFiltered("tier", TierMember)
		require.NoError(t, err)
		require.Len(t, members, 1)
		require.Equal(t, "node-a", members[0].NodeID)

		_, err = tx.ListMembersFiltered("node_id", "node-a")
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestVouchDeduplicatesPerVoucher(t *testing.T) {
	s := openTestStore(t)
	err := s.Tx(context.Background(), func(tx *Tx) error {
		created1, err := tx.AddVouch(&Vouch{Subject: "node-x", Voucher: "node-y", CreatedAt: time.Now()})
		require.NoError(t, err)
		require.True(t, created1)

		created2, err := tx.AddVouch(&Vouch{Subject: "node-x", Voucher: "node-y", CreatedAt: time.Now()})
		require.NoError(t, err)
		require.False(t, created2)

		count, err := tx.CountDistinctVouchers("node-x")
		require.NoError(t, err)
		require.EqualValues(t, 1, count)
		return nil
	})
	require.NoError(t, err)
}

func TestTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	err := s.Tx(context.Background(), func(tx *Tx) error {
		require.NoError(t, tx.UpsertMember(&Member{NodeID: "node-z", Tier: TierMember}))
		return errRollbackSentinel
	})
	require.Error(t, err)

	err = s.Tx(context.Background(), func(tx *Tx) error {
		_, getErr := tx.GetMember("node-z")
		require.Error(t, getErr)
		return nil
	})
	require.NoError(t, err)
}

var errRollbackSentinel = &sentinel{}

type sentinel struct{}

func (s *sentinel) Error() string { return "force rollback" }
