package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/codec"
	"github.com/lightning-goats/cl-hive-sub002/expansion"
	"github.com/lightning-goats/cl-hive-sub002/hostface"
	"github.com/lightning-goats/cl-hive-sub002/identity"
	"github.com/lightning-goats/cl-hive-sub002/membership"
	"github.com/lightning-goats/cl-hive-sub002/statemap"
	"github.com/lightning-goats/cl-hive-sub002/store"
	"github.com/lightning-goats/cl-hive-sub002/store/kv"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *store.Store) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	kvStore, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvStore.Close() })
	limiter := membership.NewRateLimiter(kvStore)
	limiter.ConfigureDefaults()

	fixed := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	return &Router{
		Handshake:   &identity.Handshake{NowFn: func() time.Time { return fixed }},
		Membership:  &membership.Roster{Store: s, VouchQuorum: 51, NowFn: func() time.Time { return fixed }},
		RateLimiter: limiter,
		Statemap:    &statemap.Gossip{Store: s},
		Expansion:   expansion.NewPlanner(s),
		NowFn:       func() time.Time { return fixed },
	}, s
}

func signedPayload(t *testing.T, key *identity.PrivateKey, fields map[string]any) []byte {
	t.Helper()
	fields["v"] = codec.SchemaVersion
	fields["from"] = string(key.NodeID())
	fields["ts"] = time.Now().Unix()
	unsigned, err := json.Marshal(fields)
	require.NoError(t, err)
	canon, err := codec.CanonicalBytes(unsigned)
	require.NoError(t, err)
	sig, err := key.Sign(canon)
	require.NoError(t, err)
	fields["sig"] = sig
	signed, err := json.Marshal(fields)
	require.NoError(t, err)
	return signed
}

func TestHandleIncomingPassesThroughForeignTraffic(t *testing.T) {
	r, _ := newTestRouter(t)
	result := r.HandleIncoming(context.Background(), "peer-1", []byte("not a hive frame"))
	require.Equal(t, hostface.ResultPass, result)
}

func TestHandleIncomingDropsMalformedFrame(t *testing.T) {
	r, _ := newTestRouter(t)
	frame, err := codec.Encode(codec.KindHeartbeat, []byte("not json"))
	require.NoError(t, err)
	result := r.HandleIncoming(context.Background(), "peer-1", frame)
	require.Equal(t, hostface.ResultHandled, result)
}

func TestHandleIncomingDropsUnauthenticatedNonHandshake(t *testing.T) {
	r, _ := newTestRouter(t)
	key, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	peerID := string(key.NodeID())

	body := signedPayload(t, key, map[string]any{"subject": "someone-else"})
	frame, err := codec.Encode(codec.KindVouch, body)
	require.NoError(t, err)

	result := r.HandleIncoming(context.Background(), peerID, frame)
	require.Equal(t, hostface.ResultHandled, result)
	require.False(t, r.isAuthenticated(peerID))
}

func TestHandleIncomingHandshakeAuthenticatesAndAdmits(t *testing.T) {
	r, s := newTestRouter(t)
	peerKey, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	peerID := string(peerKey.NodeID())

	peerHandshake := &identity.Handshake{Self: peerKey, NowFn: func() time.Time { return time.Now() }}
	payload, err := peerHandshake.BuildRequest()
	require.NoError(t, err)
	frame, err := codec.Encode(codec.KindHandshakeReq, payload)
	require.NoError(t, err)

	result := r.HandleIncoming(context.Background(), peerID, frame)
	require.Equal(t, hostface.ResultHandled, result)
	require.True(t, r.isAuthenticated(peerID))

	err = s.Tx(context.Background(), func(tx *store.Tx) error {
		m, err := tx.GetMember(peerID)
		require.NoError(t, err)
		require.Equal(t, store.TierNeophyte, m.Tier)
		return nil
	})
	require.NoError(t, err)
}

func TestHandleIncomingRejectsIdentityMismatch(t *testing.T) {
	r, _ := newTestRouter(t)
	peerKey, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	otherKey, err := identity.GeneratePrivateKey()
	require.NoError(t, err)

	peerHandshake := &identity.Handshake{Self: peerKey, NowFn: func() time.Time { return time.Now() }}
	payload, err := peerHandshake.BuildRequest()
	require.NoError(t, err)
	frame, err := codec.Encode(codec.KindHandshakeReq, payload)
	require.NoError(t, err)

	// Transport reports a different sender than the envelope's `from`.
	result := r.HandleIncoming(context.Background(), string(otherKey.NodeID()), frame)
	require.Equal(t, hostface.ResultHandled, result)
	require.False(t, r.isAuthenticated(string(peerKey.NodeID())))
}

func TestHandleIncomingVouchAfterAuthentication(t *testing.T) {
	r, s := newTestRouter(t)
	ctx := context.Background()
	voucherKey, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	voucherID := string(voucherKey.NodeID())

	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		return tx.UpsertMember(&store.Member{NodeID: voucherID, Tier: store.TierMember, AdmittedAt: time.Now()})
	}))
	require.NoError(t, r.Membership.Admit(ctx, "subject"))
	r.markAuthenticated(voucherID)

	body := signedPayload(t, voucherKey, map[string]any{"subject": "subject"})
	frame, err := codec.Encode(codec.KindVouch, body)
	require.NoError(t, err)

	result := r.HandleIncoming(ctx, voucherID, frame)
	require.Equal(t, hostface.ResultHandled, result)

	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		n, err := tx.CountDistinctVouchers("subject")
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
		return nil
	}))
}

func TestHandleIncomingBanVoteResolvesOpenProposal(t *testing.T) {
	r, s := newTestRouter(t)
	ctx := context.Background()

	voterKey, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	voterID := string(voterKey.NodeID())
	secondKey, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	secondID := string(secondKey.NodeID())

	require.NoError(t, s.Tx(ctx, func(tx *store.Tx) error {
		for _, m := range []string{voterID, secondID, "bad-actor"} {
			if err := tx.UpsertMember(&store.Member{NodeID: m, Tier: store.TierMember, AdmittedAt: time.Now()}); err != nil {
				return err
			}
		}
		return nil
	}))
	r.markAuthenticated(voterID)
	r.markAuthenticated(secondID)

	proposalID, err := r.Membership.ProposeBan(ctx, voterID, "bad-actor", "spam")
	require.NoError(t, err)
	_, err = r.Membership.VoteBan(ctx, voterID, proposalID, true)
	require.NoError(t, err)

	body := signedPayload(t, secondKey, map[string]any{"target": "bad-actor", "decision": "approve"})
	frame, err := codec.Encode(codec.KindBanVote, body)
	require.NoError(t, err)

	result := r.HandleIncoming(ctx, secondID, frame)
	require.Equal(t, hostface.ResultHandled, result)

	banned, err := r.Membership.IsBanned(ctx, "bad-actor")
	require.NoError(t, err)
	require.True(t, banned)
}

func TestHandleIncomingExpansionNominate(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()
	nominatorKey, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	nominatorID := string(nominatorKey.NodeID())
	r.markAuthenticated(nominatorID)

	round, err := r.Expansion.StartRound(ctx, "target-node")
	require.NoError(t, err)

	body := signedPayload(t, nominatorKey, map[string]any{
		"round_id": round.RoundID, "target": "target-node", "score": 0.9,
	})
	frame, err := codec.Encode(codec.KindExpansionNominate, body)
	require.NoError(t, err)

	result := r.HandleIncoming(ctx, nominatorID, frame)
	require.Equal(t, hostface.ResultHandled, result)
}
