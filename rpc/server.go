// Package rpc exposes the operator HTTP surface described in spec §7: status
// and membership views, vouch/ban/settlement actions, and a live event
// stream, fronted by a one-time passphrase unlock that mints a bearer
// session token for everything else. Route composition follows the
// teacher's chi-based gateway router; handlers here talk directly to the
// coordination core's own components instead of proxying to another
// service.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightning-goats/cl-hive-sub002/codec"
	"github.com/lightning-goats/cl-hive-sub002/expansion"
	"github.com/lightning-goats/cl-hive-sub002/export"
	"github.com/lightning-goats/cl-hive-sub002/governance"
	"github.com/lightning-goats/cl-hive-sub002/hostface"
	"github.com/lightning-goats/cl-hive-sub002/identity"
	"github.com/lightning-goats/cl-hive-sub002/membership"
	"github.com/lightning-goats/cl-hive-sub002/rpc/auth"
	"github.com/lightning-goats/cl-hive-sub002/settlement"
	"github.com/lightning-goats/cl-hive-sub002/statemap"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

// Server wires the coordination core's components to an HTTP API.
type Server struct {
	Store      *store.Store
	Host       hostface.Host
	Membership *membership.Roster
	Statemap   *statemap.Gossip
	Expansion  *expansion.Planner
	Settlement *settlement.Round
	// Archiver is nil when hived was started without --export-dir; the
	// on-demand export route then reports unavailable rather than a
	// panic on a nil Dir.
	Archiver *export.Archiver

	// Self signs every frame an operator-triggered action broadcasts to
	// the fleet; Sender is the transport that carries it. An operator
	// action is otherwise indistinguishable from a no-op to every other
	// member, since it only ever touches this node's own store.
	Self       *identity.PrivateKey
	Sender     statemap.Sender
	Governance *governance.Gate

	KeystorePath string
	Sessions     *SessionIssuer
	APIAuth      *auth.Authenticator

	Log *slog.Logger

	Events *EventHub
}

// broadcastSigned signs fields as kind on behalf of Self and hands the
// result to Sender, logging rather than failing the request on error: the
// local write this follows has already succeeded, and the fleet will
// re-converge the action through its own anti-entropy sweep regardless.
func (s *Server) broadcastSigned(ctx context.Context, kind codec.Kind, fields map[string]any) {
	if s.Self == nil || s.Sender == nil {
		return
	}
	frame, err := codec.SignedFrame(kind, s.Self, string(s.Self.NodeID()), time.Now().Unix(), fields)
	if err != nil {
		s.logger().Warn("rpc: sign outbound frame failed", "kind", kind, "err", err)
		return
	}
	if err := s.Sender.Broadcast(ctx, frame); err != nil {
		s.logger().Warn("rpc: broadcast outbound frame failed", "kind", kind, "err", err)
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Router builds the chi mux. /v1/session is unauthenticated (it IS the
// authentication step); every other /v1 route requires a valid session.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/session", s.handleUnlock)

	r.Group(func(pr chi.Router) {
		if s.Sessions != nil {
			pr.Use(s.Sessions.RequireSession)
		}
		pr.Post("/v1/vouch", s.handleVouch)
		pr.Post("/v1/ban", s.handleBanPropose)
		pr.Post("/v1/ban/vote", s.handleBanVote)
		pr.Post("/v1/ban/amnesty", s.handleBanAmnesty)
		pr.Delete("/v1/members/{nodeID}", s.handleRemoveMember)
		pr.Post("/v1/settlement/propose", s.handleSettlementPropose)
		pr.Post("/v1/expansion/start", s.handleExpansionStart)
		pr.Get("/v1/pending-actions", s.handlePendingActions)
		pr.Post("/v1/pending-actions/{id}/resolve", s.handleResolvePendingAction)
		pr.Post("/v1/export", s.handleExport)
		pr.Get("/v1/stream", s.handleStream)
	})

	// Read-only fleet views double as automation/monitoring endpoints, so
	// they also accept the HMAC-signed machine caller scheme alongside an
	// operator's bearer session.
	r.Group(func(pr chi.Router) {
		if s.Sessions != nil {
			pr.Use(s.Sessions.RequireSessionOrAPIKey(s.APIAuth))
		}
		pr.Get("/v1/status", s.handleStatus)
		pr.Get("/v1/members", s.handleMembers)
		pr.Get("/v1/topology", s.handleTopology)
		pr.Get("/v1/intents", s.handleIntents)
		pr.Get("/v1/settlement/{periodID}", s.handleSettlementStatus)
		pr.Get("/v1/fee-reports/{periodID}", s.handleFeeReports)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type unlockRequest struct {
	Passphrase string `json:"passphrase"`
}

// handleUnlock is the one place a passphrase ever appears on the wire: it
// decrypts the identity keystore once to confirm possession and mints a
// session token bound to the resulting node id, exactly as a CLI login
// flow would. The decrypted key itself is discarded immediately.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := identity.LoadFromKeystore(s.KeystorePath, req.Passphrase)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, err := s.Sessions.Issue(string(key.NodeID()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var active, total int64
	err := s.Store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		active, err = tx.CountActiveMembers()
		if err != nil {
			return err
		}
		members, err := tx.AllMembers()
		total = int64(len(members))
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{
		"active_members": active,
		"total_members":  total,
		"period_id":      settlement.ForTime(time.Now()),
	}
	if s.Host != nil {
		if info, err := s.Host.NodeInfo(ctx); err == nil {
			resp["node_id"] = info.NodeID
			resp["alias"] = info.Alias
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	var members []store.Member
	err := s.Store.Tx(r.Context(), func(tx *store.Tx) error {
		var err error
		if tier := r.URL.Query().Get("tier"); tier != "" {
			members, err = tx.ListMembersFiltered("tier", tier)
			return err
		}
		members, err = tx.AllMembers()
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	var records []store.StateRecord
	err := s.Store.Tx(r.Context(), func(tx *store.Tx) error {
		var err error
		records, err = tx.AllStateRecords()
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type vouchRequest struct {
	Subject string `json:"subject"`
}

func (s *Server) handleVouch(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := SessionNodeID(r.Context())
	var req vouchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Membership.Vouch(r.Context(), nodeID, req.Subject); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.broadcastSigned(r.Context(), codec.KindVouch, map[string]any{"subject": req.Subject})
	s.Events.Publish(Event{Kind: "vouch", Detail: req.Subject})
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type banRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (s *Server) handleBanPropose(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := SessionNodeID(r.Context())
	var req banRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.Membership.ProposeBan(r.Context(), nodeID, req.Target, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.broadcastSigned(r.Context(), codec.KindBanPropose, map[string]any{"target": req.Target, "reason": req.Reason})
	s.Events.Publish(Event{Kind: "ban_propose", Detail: req.Target})
	writeJSON(w, http.StatusOK, map[string]string{"proposal_id": id})
}

type banVoteRequest struct {
	Target  string `json:"target"`
	Approve bool   `json:"approve"`
}

func (s *Server) handleBanVote(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := SessionNodeID(r.Context())
	var req banVoteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proposalID, err := s.Membership.OpenProposalForTarget(r.Context(), req.Target)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	banned, err := s.Membership.VoteBan(r.Context(), nodeID, proposalID, req.Approve)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	decision := "reject"
	if req.Approve {
		decision = "approve"
	}
	s.broadcastSigned(r.Context(), codec.KindBanVote, map[string]any{"target": req.Target, "decision": decision})
	if banned {
		s.Events.Publish(Event{Kind: "ban_executed", Detail: req.Target})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"banned": banned})
}

type amnestyRequest struct {
	Target string `json:"target"`
}

// handleBanAmnesty lifts a ban on this node's own authority ahead of its
// natural expiry, the explicit-amnesty path of spec §3. Like
// handleRemoveMember it only affects this node's own roster and gossip;
// every other member decides independently whether to honor it.
func (s *Server) handleBanAmnesty(w http.ResponseWriter, r *http.Request) {
	var req amnestyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Membership.Amnesty(r.Context(), req.Target); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.broadcastSigned(r.Context(), codec.KindPeerAvailable, map[string]any{"node_id": req.Target})
	s.Events.Publish(Event{Kind: "ban_amnesty", Detail: req.Target})
	writeJSON(w, http.StatusOK, map[string]string{"status": "lifted"})
}

// handleRemoveMember is an operator break-glass override: it bans
// nodeID immediately on this node's own authority, bypassing the
// BAN_PROPOSE/BAN_VOTE quorum. Every other fleet member independently
// decides whether to honor it; this endpoint only affects local routing
// and gossip from this node.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	err := s.Store.Tx(r.Context(), func(tx *store.Tx) error {
		m, err := tx.GetMember(nodeID)
		if err != nil {
			return err
		}
		now := time.Now()
		m.Banned = true
		m.BannedAt = &now
		return tx.UpsertMember(m)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.Events.Publish(Event{Kind: "member_removed", Detail: nodeID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	var intents []store.Intent
	err := s.Store.Tx(r.Context(), func(tx *store.Tx) error {
		var err error
		if state := r.URL.Query().Get("state"); state != "" {
			intents, err = tx.IntentsInState(state)
			return err
		}
		intents, err = tx.AllIntents()
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

type expansionStartRequest struct {
	Target string  `json:"target"`
	Score  float64 `json:"score"`
}

// handleExpansionStart opens a cooperative expansion round and casts this
// node's own nomination, the operator-triggered entry point a round
// otherwise has no way to reach: every other round-state transition
// (Nominate from a peer, Elect/Expire on the planner tick) only runs once
// a round already exists.
func (s *Server) handleExpansionStart(w http.ResponseWriter, r *http.Request) {
	var req expansionStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	round, err := s.Expansion.StartRound(ctx, req.Target)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if s.Self != nil {
		selfID := string(s.Self.NodeID())
		if err := s.Expansion.Nominate(ctx, round.RoundID, selfID, req.Score); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.broadcastSigned(ctx, codec.KindExpansionNominate, map[string]any{
			"round_id": round.RoundID,
			"target":   req.Target,
			"score":    req.Score,
		})
	}
	s.Events.Publish(Event{Kind: "expansion_started", Detail: round.RoundID})
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodID")
	var (
		round  *store.SettlementRound
		shares []store.SettlementShare
	)
	err := s.Store.Tx(r.Context(), func(tx *store.Tx) error {
		var err error
		round, err = tx.GetSettlementRound(periodID)
		if err != nil {
			return err
		}
		shares, err = tx.SharesForPeriod(periodID)
		return err
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round": round, "shares": shares})
}

type settlementProposeRequest struct {
	PeriodID      string   `json:"period_id"`
	ActiveMembers []string `json:"active_members"`
}

func (s *Server) handleSettlementPropose(w http.ResponseWriter, r *http.Request) {
	var req settlementProposeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	computer := &settlement.Computer{Store: s.Store}
	pool, err := computer.Compute(ctx, req.PeriodID, req.ActiveMembers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.Settlement.Propose(ctx, pool); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.broadcastSigned(ctx, codec.KindSettleProposed, map[string]any{
		"period_id": req.PeriodID,
		"pool_msat": pool.TotalMsat,
		"data_hash": pool.DataHash,
	})
	if s.Self != nil {
		reachedQuorum, err := s.Settlement.Vote(ctx, req.PeriodID, string(s.Self.NodeID()), len(req.ActiveMembers))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.maybeExecuteSettlement(ctx, req.PeriodID, reachedQuorum); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.Events.Publish(Event{Kind: "settlement_proposed", Detail: req.PeriodID})
	writeJSON(w, http.StatusOK, pool)
}

// maybeExecuteSettlement mirrors the dispatcher's own quorum-reached path
// (dispatch.Router.maybeExecuteSettlement): an operator-triggered proposal
// still has to clear the same governance gate and broadcast the same
// signed SETTLE_EXECUTE before the round is considered final.
func (s *Server) maybeExecuteSettlement(ctx context.Context, periodID string, reachedQuorum bool) error {
	if !reachedQuorum || s.Governance == nil {
		return nil
	}
	proceed, err := s.Governance.Consult(ctx, "settlement_execute", map[string]string{"period_id": periodID})
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	if err := s.Settlement.MarkSettled(ctx, periodID); err != nil {
		return err
	}
	s.broadcastSigned(ctx, codec.KindSettleExecute, map[string]any{"period_id": periodID})
	return nil
}

type exportRequest struct {
	// SinceUnix bounds the archival sweep to rounds settled at or after
	// this time; zero means "everything settled so far".
	SinceUnix int64 `json:"since_unix"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.Archiver == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("rpc: archival export is not configured"))
		return
	}
	var req exportRequest
	_ = decodeBody(r, &req)
	since := time.Unix(0, 0)
	if req.SinceUnix > 0 {
		since = time.Unix(req.SinceUnix, 0)
	}
	result, err := s.Archiver.Run(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.Events.Publish(Event{Kind: "export_completed", Detail: result.SettlementFile})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFeeReports(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodID")
	var reports []store.FeeReport
	err := s.Store.Tx(r.Context(), func(tx *store.Tx) error {
		var err error
		reports, err = tx.FeeReportsForPeriod(periodID)
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.Events.ServeWS(w, r, s.logger())
}

// handlePendingActions lists every advisor/oracle-mode decision still
// awaiting operator confirmation (spec §9). Governance.Consult is the only
// writer of these rows; this and handleResolvePendingAction are the only
// reader/consumer.
func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	var actions []store.PendingAction
	err := s.Store.Tx(r.Context(), func(tx *store.Tx) error {
		var err error
		actions, err = tx.PendingActions()
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// handleResolvePendingAction is the operator's confirmation step: it
// performs the deferred action the gated path would otherwise have taken
// immediately, then marks the row resolved so it drops out of the pending
// list. Kinds not recognized here are marked resolved without side
// effects, on the assumption the operator handled them out of band.
func (s *Server) handleResolvePendingAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	var action *store.PendingAction
	err := s.Store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		action, err = tx.GetPendingAction(id)
		return err
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if action.Resolved {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already resolved"})
		return
	}

	var detail map[string]any
	if err := json.Unmarshal([]byte(action.Detail), &detail); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch action.Kind {
	case "settlement_execute":
		periodID, _ := detail["period_id"].(string)
		if err := s.Settlement.MarkSettled(ctx, periodID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.broadcastSigned(ctx, codec.KindSettleExecute, map[string]any{"period_id": periodID})
	case "channel_open":
		target, _ := detail["target"].(string)
		amountSat, _ := detail["amount_sat"].(float64)
		if s.Host != nil && target != "" && amountSat > 0 {
			if err := s.Host.OpenChannel(ctx, target, uint64(amountSat)); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
	}

	if err := s.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.ResolvePendingAction(id)
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.Events.Publish(Event{Kind: "pending_action_resolved", Detail: id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
