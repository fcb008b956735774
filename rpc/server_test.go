package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/expansion"
	"github.com/lightning-goats/cl-hive-sub002/identity"
	"github.com/lightning-goats/cl-hive-sub002/membership"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	roster := &membership.Roster{Store: st, NowFn: func() time.Time {
		return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	}}

	srv := &Server{
		Store:      st,
		Membership: roster,
		Sessions:   NewSessionIssuer([]byte("test-secret"), "hive-test", time.Hour),
		Events:     NewEventHub(),
	}
	return srv, st
}

func admitMember(t *testing.T, st *store.Store, nodeID string) {
	t.Helper()
	err := st.Tx(context.Background(), func(tx *store.Tx) error {
		return tx.UpsertMember(&store.Member{
			NodeID:     nodeID,
			Tier:       store.TierMember,
			AdmittedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("admit member: %v", err)
	}
}

func TestHandleStatusReportsMemberCounts(t *testing.T) {
	srv, st := newTestServer(t)
	admitMember(t, st, strings.Repeat("a", 66))
	admitMember(t, st, strings.Repeat("b", 66))

	token, err := srv.Sessions.Issue(strings.Repeat("a", 66))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["active_members"].(float64) != 2 {
		t.Fatalf("active_members = %v, want 2", body["active_members"])
	}
}

func TestUnlockRejectsBadPassphrase(t *testing.T) {
	srv, _ := newTestServer(t)
	dir := t.TempDir()
	keystorePath := dir + "/keystore.json"
	key, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := identity.SaveToKeystore(keystorePath, key, "correct horse"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	srv.KeystorePath = keystorePath

	body := strings.NewReader(`{"passphrase":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/session", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUnlockThenAuthorizedCall(t *testing.T) {
	srv, _ := newTestServer(t)
	dir := t.TempDir()
	keystorePath := dir + "/keystore.json"
	key, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := identity.SaveToKeystore(keystorePath, key, "correct horse"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	srv.KeystorePath = keystorePath

	unlockReq := httptest.NewRequest(http.MethodPost, "/v1/session", strings.NewReader(`{"passphrase":"correct horse"}`))
	unlockRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(unlockRec, unlockReq)
	if unlockRec.Code != http.StatusOK {
		t.Fatalf("unlock status = %d, body = %s", unlockRec.Code, unlockRec.Body.String())
	}
	var unlockResp map[string]string
	if err := json.Unmarshal(unlockRec.Body.Bytes(), &unlockResp); err != nil {
		t.Fatalf("decode unlock: %v", err)
	}
	token := unlockResp["token"]
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	statusReq.Header.Set("Authorization", "Bearer "+token)
	statusRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", statusRec.Code)
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/members", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleVouchRecordsVouch(t *testing.T) {
	srv, st := newTestServer(t)
	voucher := strings.Repeat("a", 66)
	subject := strings.Repeat("b", 66)
	admitMember(t, st, voucher)

	token, err := srv.Sessions.Issue(voucher)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	body := strings.NewReader(`{"subject":"` + subject + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/vouch", body)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var count int64
	err = st.Tx(context.Background(), func(tx *store.Tx) error {
		var e error
		count, e = tx.CountDistinctVouchers(subject)
		return e
	})
	if err != nil {
		t.Fatalf("count vouchers: %v", err)
	}
	if count != 1 {
		t.Fatalf("vouch count = %d, want 1", count)
	}
}

func TestHandleMembersFiltersByTier(t *testing.T) {
	srv, st := newTestServer(t)
	member := strings.Repeat("a", 66)
	admitMember(t, st, member)
	err := st.Tx(context.Background(), func(tx *store.Tx) error {
		return tx.UpsertMember(&store.Member{
			NodeID:     strings.Repeat("c", 66),
			Tier:       store.TierNeophyte,
			AdmittedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("insert neophyte: %v", err)
	}

	token, err := srv.Sessions.Issue(member)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/members?tier=member", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var members []store.Member
	if err := json.Unmarshal(rec.Body.Bytes(), &members); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(members) != 1 || members[0].NodeID != member {
		t.Fatalf("unexpected members result: %+v", members)
	}
}

func TestHandleBanAmnestyLiftsBan(t *testing.T) {
	srv, st := newTestServer(t)
	voucher := strings.Repeat("a", 66)
	target := strings.Repeat("b", 66)
	admitMember(t, st, voucher)
	now := time.Now()
	if err := st.Tx(context.Background(), func(tx *store.Tx) error {
		expiry := now.Add(24 * time.Hour)
		return tx.UpsertMember(&store.Member{
			NodeID:       target,
			Tier:         store.TierMember,
			AdmittedAt:   now,
			Banned:       true,
			BannedAt:     &now,
			BanExpiresAt: &expiry,
		})
	}); err != nil {
		t.Fatalf("seed banned member: %v", err)
	}

	token, err := srv.Sessions.Issue(voucher)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/ban/amnesty", strings.NewReader(`{"target":"`+target+`"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	err = st.Tx(context.Background(), func(tx *store.Tx) error {
		m, err := tx.GetMember(target)
		if err != nil {
			return err
		}
		if m.Banned || m.BanExpiresAt != nil {
			t.Fatalf("expected ban lifted, got banned=%v expires=%v", m.Banned, m.BanExpiresAt)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("check member: %v", err)
	}
}

func TestHandleExpansionStartOpensRoundAndNominates(t *testing.T) {
	srv, st := newTestServer(t)
	voucher := strings.Repeat("a", 66)
	admitMember(t, st, voucher)
	srv.Expansion = expansion.NewPlanner(st)

	token, err := srv.Sessions.Issue(voucher)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/expansion/start", strings.NewReader(`{"target":"some-peer","score":0.8}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var round store.ExpansionRound
	if err := json.Unmarshal(rec.Body.Bytes(), &round); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if round.Target != "some-peer" || round.State == "" {
		t.Fatalf("unexpected round: %+v", round)
	}
}

func TestHandlePendingActionsListsAndResolves(t *testing.T) {
	srv, st := newTestServer(t)
	voucher := strings.Repeat("a", 66)
	admitMember(t, st, voucher)
	if err := st.Tx(context.Background(), func(tx *store.Tx) error {
		return tx.CreatePendingAction(&store.PendingAction{
			ID:        "pa-1",
			Kind:      "channel_open",
			Detail:    `{"target":"peer","amount_sat":1000}`,
			CreatedAt: time.Now(),
		})
	}); err != nil {
		t.Fatalf("seed pending action: %v", err)
	}

	token, err := srv.Sessions.Issue(voucher)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/pending-actions", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", listRec.Code, listRec.Body.String())
	}
	var actions []store.PendingAction
	if err := json.Unmarshal(listRec.Body.Bytes(), &actions); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 pending action, got %d", len(actions))
	}

	resolveReq := httptest.NewRequest(http.MethodPost, "/v1/pending-actions/pa-1/resolve", nil)
	resolveReq.Header.Set("Authorization", "Bearer "+token)
	resolveRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(resolveRec, resolveReq)
	if resolveRec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body = %s", resolveRec.Code, resolveRec.Body.String())
	}

	err = st.Tx(context.Background(), func(tx *store.Tx) error {
		pa, err := tx.GetPendingAction("pa-1")
		if err != nil {
			return err
		}
		if !pa.Resolved {
			t.Fatal("expected pending action to be resolved")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("check pending action: %v", err)
	}
}
