// Package dispatch routes inbound custom-message frames to the
// coordination components, enforcing the fail-closed contract of spec §5:
// anything that cannot be authenticated or validated is logged and
// dropped, never acted upon.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/codec"
	"github.com/lightning-goats/cl-hive-sub002/expansion"
	"github.com/lightning-goats/cl-hive-sub002/governance"
	"github.com/lightning-goats/cl-hive-sub002/hostface"
	"github.com/lightning-goats/cl-hive-sub002/identity"
	"github.com/lightning-goats/cl-hive-sub002/intent"
	"github.com/lightning-goats/cl-hive-sub002/membership"
	"github.com/lightning-goats/cl-hive-sub002/settlement"
	"github.com/lightning-goats/cl-hive-sub002/statemap"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

type envelopeHeader struct {
	V    int    `json:"v"`
	From string `json:"from"`
	Ts   int64  `json:"ts"`
	Sig  string `json:"sig"`
}

// Router wires every authenticated inbound frame to the component that
// owns its kind. It implements hostface.Dispatcher.
type Router struct {
	Self        *identity.PrivateKey
	Handshake   *identity.Handshake
	Pending     *identity.PendingExchanges
	Membership  *membership.Roster
	RateLimiter *membership.RateLimiter
	Statemap    *statemap.Gossip
	Intent      *intent.Lock
	Expansion   *expansion.Planner
	Settlement  *settlement.Round
	Computer    *settlement.Computer
	Governance  *governance.Gate
	Store       *store.Store

	// Sender broadcasts or unicasts a self-originated frame (SETTLE_EXECUTE
	// corroboration, a STATE_REQ response) back onto the fleet.
	Sender statemap.Sender

	Log   *slog.Logger
	NowFn func() time.Time

	mu            sync.RWMutex
	authenticated map[string]bool
}

func (r *Router) now() time.Time {
	if r.NowFn != nil {
		return r.NowFn()
	}
	return time.Now()
}

func (r *Router) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func (r *Router) markAuthenticated(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.authenticated == nil {
		r.authenticated = make(map[string]bool)
	}
	r.authenticated[peerID] = true
}

func (r *Router) isAuthenticated(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authenticated[peerID]
}

func (r *Router) drop(peerID string, kind codec.Kind, err error) hostface.IncomingMessageResult {
	r.logger().Warn("dispatch: dropped inbound message", "peer", peerID, "kind", kind, "err", err)
	return hostface.ResultHandled
}

// HandleIncoming is the incoming_message_hook entrypoint: non-hive traffic
// passes straight through, anything that fails codec validation,
// authentication, or signature verification is logged and silently
// dropped, and everything else is routed to its owning component.
func (r *Router) HandleIncoming(ctx context.Context, peerID string, payload []byte) hostface.IncomingMessageResult {
	kind, ours := codec.Peek(payload)
	if !ours {
		return hostface.ResultPass
	}

	_, body, err := codec.Decode(payload)
	if err != nil {
		return r.drop(peerID, kind, err)
	}
	if err := codec.Validate(kind, body); err != nil {
		return r.drop(peerID, kind, err)
	}

	var hdr envelopeHeader
	if err := json.Unmarshal(body, &hdr); err != nil {
		return r.drop(peerID, kind, err)
	}
	if hdr.From != peerID {
		return r.drop(peerID, kind, errIdentityMismatch(hdr.From, peerID))
	}

	if kind != codec.KindHandshakeReq && kind != codec.KindHandshakeResp {
		if !r.isAuthenticated(peerID) {
			return r.drop(peerID, kind, errUnauthenticated(peerID))
		}
		if banned, err := r.Membership.IsBanned(ctx, peerID); err != nil {
			return r.drop(peerID, kind, err)
		} else if banned {
			return r.drop(peerID, kind, errBanned(peerID))
		}
	}

	if codec.RequiresSignature(kind) {
		canon, err := codec.CanonicalBytes(body)
		if err != nil {
			return r.drop(peerID, kind, err)
		}
		if err := identity.Verify(identity.NodeID(hdr.From), canon, hdr.Sig); err != nil {
			return r.drop(peerID, kind, err)
		}
	}

	if err := r.route(ctx, peerID, kind, body); err != nil {
		return r.drop(peerID, kind, err)
	}
	return hostface.ResultHandled
}

func (r *Router) route(ctx context.Context, peerID string, kind codec.Kind, body []byte) error {
	switch kind {
	case codec.KindHandshakeReq, codec.KindHandshakeResp:
		return r.handleHandshake(ctx, peerID, kind, body)
	case codec.KindStateUpdate:
		return r.Statemap.Merge(ctx, peerID, body, r.now())
	case codec.KindVouch:
		return r.handleVouch(ctx, peerID, body)
	case codec.KindBanPropose:
		return r.handleBanPropose(ctx, peerID, body)
	case codec.KindBanVote:
		return r.handleBanVote(ctx, peerID, body)
	case codec.KindExpansionNominate:
		return r.handleExpansionNominate(ctx, peerID, body)
	case codec.KindExpansionElect:
		return r.handleExpansionElect(ctx, peerID, body)
	case codec.KindExpansionAbort:
		return r.handleExpansionAbort(ctx, peerID, body)
	case codec.KindIntentAnnounce:
		return r.handleIntentAnnounce(ctx, peerID, body)
	case codec.KindIntentCommit:
		return r.handleIntentResolved(ctx, peerID, body)
	case codec.KindIntentAbort:
		return r.handleIntentResolved(ctx, peerID, body)
	case codec.KindStateReq:
		return r.handleStateReq(ctx, peerID, body)
	case codec.KindFeeReport:
		return r.handleFeeReport(ctx, peerID, body)
	case codec.KindSettleProposed:
		return r.handleSettleProposed(ctx, peerID, body)
	case codec.KindSettleVote:
		return r.handleSettleVote(ctx, peerID, body)
	case codec.KindSettleExecute:
		return r.handleSettleExecute(ctx, peerID, body)
	case codec.KindHeartbeat, codec.KindPeerWarning, codec.KindPeerAvailable:
		// Liveness and advisory traffic only; nothing to apply.
		return nil
	default:
		return fmt.Errorf("dispatch: no route for kind %d", kind)
	}
}

func (r *Router) handleHandshake(ctx context.Context, peerID string, kind codec.Kind, body []byte) error {
	allowed, err := r.RateLimiter.Allow(peerID, "handshake", r.now())
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}
	claimedID, err := r.Handshake.Verify(ctx, body, identity.NodeID(peerID), r.now())
	if err != nil {
		return err
	}
	if err := r.Membership.Admit(ctx, string(claimedID)); err != nil {
		return err
	}
	r.markAuthenticated(peerID)
	return nil
}

// VOUCH carries only `subject`: the voucher is the envelope's signer, a
// node vouching for someone else under any other claimed identity would
// fail signature verification before ever reaching this handler.
type vouchBody struct {
	Subject string `json:"subject"`
}

func (r *Router) handleVouch(ctx context.Context, peerID string, body []byte) error {
	allowed, err := r.RateLimiter.Allow(peerID, "vouch", r.now())
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}
	var v vouchBody
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	return r.Membership.Vouch(ctx, peerID, v.Subject)
}

// BAN_PROPOSE carries `target` and `reason`; the proposer is the envelope's
// signer.
type banProposeBody struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (r *Router) handleBanPropose(ctx context.Context, peerID string, body []byte) error {
	allowed, err := r.RateLimiter.Allow(peerID, "ban_proposal", r.now())
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}
	var b banProposeBody
	if err := json.Unmarshal(body, &b); err != nil {
		return err
	}
	_, err = r.Membership.ProposeBan(ctx, peerID, b.Target, b.Reason)
	return err
}

// BAN_VOTE carries `target` (the proposal's subject, used by the caller to
// resolve the open proposal id) and `decision` ("approve" or "reject"); the
// voter is the envelope's signer.
type banVoteBody struct {
	Target   string `json:"target"`
	Decision string `json:"decision"`
}

func (r *Router) handleBanVote(ctx context.Context, peerID string, body []byte) error {
	var v banVoteBody
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	proposalID, err := r.Membership.OpenProposalForTarget(ctx, v.Target)
	if err != nil {
		return err
	}
	_, err = r.Membership.VoteBan(ctx, peerID, proposalID, v.Decision == "approve")
	return err
}

// EXPANSION_NOMINATE carries `round_id`, `target`, and `score`; the
// nominator is the envelope's signer.
type expansionNominateBody struct {
	RoundID string  `json:"round_id"`
	Target  string  `json:"target"`
	Score   float64 `json:"score"`
}

func (r *Router) handleExpansionNominate(ctx context.Context, peerID string, body []byte) error {
	var n expansionNominateBody
	if err := json.Unmarshal(body, &n); err != nil {
		return err
	}
	return r.Expansion.Nominate(ctx, n.RoundID, peerID, n.Score)
}

// EXPANSION_ELECT carries `round_id` and `winner`, announced by the node
// that computed the round's outcome; every other member adopts the same
// winner rather than re-electing from a possibly partial nomination view.
type expansionElectBody struct {
	RoundID string `json:"round_id"`
	Winner  string `json:"winner"`
}

func (r *Router) handleExpansionElect(ctx context.Context, peerID string, body []byte) error {
	var e expansionElectBody
	if err := json.Unmarshal(body, &e); err != nil {
		return err
	}
	return r.Expansion.ApplyElection(ctx, e.RoundID, e.Winner)
}

// EXPANSION_ABORT carries `round_id` and `reason`.
type expansionAbortBody struct {
	RoundID string `json:"round_id"`
	Reason  string `json:"reason"`
}

func (r *Router) handleExpansionAbort(ctx context.Context, peerID string, body []byte) error {
	var a expansionAbortBody
	if err := json.Unmarshal(body, &a); err != nil {
		return err
	}
	return r.Expansion.ApplyAbort(ctx, a.RoundID)
}

// INTENT_ANNOUNCE carries `intent_id`, `kind`, `subject`, `announced_at`,
// and `commit_deadline` as unix-second timestamps; the owner is the
// envelope's signer.
type intentAnnounceBody struct {
	IntentID       string `json:"intent_id"`
	Kind           string `json:"kind"`
	Subject        string `json:"subject"`
	AnnouncedAt    int64  `json:"announced_at"`
	CommitDeadline int64  `json:"commit_deadline"`
}

func (r *Router) handleIntentAnnounce(ctx context.Context, peerID string, body []byte) error {
	var a intentAnnounceBody
	if err := json.Unmarshal(body, &a); err != nil {
		return err
	}
	r.Intent.ObserveRemote(a.IntentID, a.Kind, a.Subject, peerID,
		time.Unix(a.AnnouncedAt, 0), time.Unix(a.CommitDeadline, 0))
	return nil
}

// intentResolvedBody covers both INTENT_COMMIT and INTENT_ABORT, which
// carry only `intent_id`.
type intentResolvedBody struct {
	IntentID string `json:"intent_id"`
}

func (r *Router) handleIntentResolved(ctx context.Context, peerID string, body []byte) error {
	var i intentResolvedBody
	if err := json.Unmarshal(body, &i); err != nil {
		return err
	}
	r.Intent.ResolveRemote(i.IntentID)
	return nil
}

// STATE_REQ carries `node_id` (the owner being asked about) and
// `since_version`; the response, if this node holds a newer record, is the
// owner's original signed STATE_UPDATE payload relayed verbatim rather than
// re-signed on the owner's behalf.
type stateReqBody struct {
	NodeID       string `json:"node_id"`
	SinceVersion uint64 `json:"since_version"`
}

func (r *Router) handleStateReq(ctx context.Context, peerID string, body []byte) error {
	var req stateReqBody
	if err := json.Unmarshal(body, &req); err != nil {
		return err
	}
	rec, found, err := r.Statemap.RecordsSince(ctx, req.NodeID, req.SinceVersion)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	frame, err := codec.Encode(codec.KindStateUpdate, rec.Payload)
	if err != nil {
		return err
	}
	return r.Sender.SendTo(ctx, peerID, frame)
}

// FEE_REPORT carries `period_id`, `reporter`, `amount_msat`, and the
// optional capacity/volume/uptime inputs the settlement pool weighs;
// missing optional fields default to zero contribution for the reporter.
type feeReportBody struct {
	PeriodID      string `json:"period_id"`
	Reporter      string `json:"reporter"`
	AmountMsat    uint64 `json:"amount_msat"`
	CapacityMsat  uint64 `json:"capacity_msat"`
	RoutingVolume uint64 `json:"routing_volume"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

func (r *Router) handleFeeReport(ctx context.Context, peerID string, body []byte) error {
	var f feeReportBody
	if err := json.Unmarshal(body, &f); err != nil {
		return err
	}
	if f.Reporter != peerID {
		return fmt.Errorf("dispatch: fee report reporter %s does not match signer %s", f.Reporter, peerID)
	}
	return r.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.UpsertFeeReport(&store.FeeReport{
			PeriodID:      f.PeriodID,
			Reporter:      f.Reporter,
			AmountMsat:    f.AmountMsat,
			CapacityMsat:  f.CapacityMsat,
			RoutingVolume: f.RoutingVolume,
			UptimeSeconds: f.UptimeSeconds,
			ReceivedAt:    r.now(),
		})
	})
}

// SETTLE_PROPOSED carries `period_id`, `pool_msat`, and `data_hash`,
// broadcast by the node that opened the round. Every other member
// independently recomputes the pool from its own fee-report view; only on
// an exact hash match does it cast a self-vote, never trusting the
// announced total directly.
type settleProposedBody struct {
	PeriodID string `json:"period_id"`
	PoolMsat uint64 `json:"pool_msat"`
	DataHash string `json:"data_hash"`
}

func (r *Router) handleSettleProposed(ctx context.Context, peerID string, body []byte) error {
	var p settleProposedBody
	if err := json.Unmarshal(body, &p); err != nil {
		return err
	}
	members, err := r.Membership.ActiveMemberIDs(ctx)
	if err != nil {
		return err
	}
	pool, err := r.Computer.Compute(ctx, p.PeriodID, members)
	if err != nil {
		return err
	}
	if pool.DataHash != p.DataHash {
		r.logger().Warn("dispatch: settlement data hash mismatch", "period", p.PeriodID, "peer", peerID)
		return nil
	}
	if err := r.Settlement.Propose(ctx, pool); err != nil {
		return err
	}
	reachedQuorum, err := r.Settlement.Vote(ctx, p.PeriodID, string(r.Self.NodeID()), len(members))
	if err != nil {
		return err
	}
	return r.maybeExecuteSettlement(ctx, p.PeriodID, reachedQuorum)
}

// SETTLE_VOTE carries `period_id` and `decision` ("approve" or "reject");
// the voter is the envelope's signer. Only approvals are tallied against
// quorum, mirroring the ban and vouch quorum conventions elsewhere.
type settleVoteBody struct {
	PeriodID string `json:"period_id"`
	Decision string `json:"decision"`
}

func (r *Router) handleSettleVote(ctx context.Context, peerID string, body []byte) error {
	var v settleVoteBody
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	if v.Decision != "approve" {
		return nil
	}
	members, err := r.Membership.ActiveMemberIDs(ctx)
	if err != nil {
		return err
	}
	reachedQuorum, err := r.Settlement.Vote(ctx, v.PeriodID, peerID, len(members))
	if err != nil {
		return err
	}
	return r.maybeExecuteSettlement(ctx, v.PeriodID, reachedQuorum)
}

// maybeExecuteSettlement runs the governance-gated transition from Executing
// to Settled once this node has independently observed quorum: autonomous
// mode finalizes and corroborates with a signed SETTLE_EXECUTE immediately,
// advisor and oracle modes defer to an operator-confirmed PendingAction.
func (r *Router) maybeExecuteSettlement(ctx context.Context, periodID string, reachedQuorum bool) error {
	if !reachedQuorum {
		return nil
	}
	proceed, err := r.Governance.Consult(ctx, "settlement_execute", map[string]string{"period_id": periodID})
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	if err := r.Settlement.MarkSettled(ctx, periodID); err != nil {
		return err
	}
	frame, err := codec.SignedFrame(codec.KindSettleExecute, r.Self, string(r.Self.NodeID()), r.now().Unix(),
		map[string]any{"period_id": periodID})
	if err != nil {
		return err
	}
	return r.Sender.Broadcast(ctx, frame)
}

// SETTLE_EXECUTE carries `period_id`, broadcast once a member's own quorum
// observation has finalized the round; receiving it from a peer is a
// corroborating signal, not a second consult of Governance.
type settleExecuteBody struct {
	PeriodID string `json:"period_id"`
}

func (r *Router) handleSettleExecute(ctx context.Context, peerID string, body []byte) error {
	var e settleExecuteBody
	if err := json.Unmarshal(body, &e); err != nil {
		return err
	}
	if err := r.Settlement.MarkSettled(ctx, e.PeriodID); err != nil {
		r.logger().Debug("dispatch: settle execute corroboration ignored", "period", e.PeriodID, "err", err)
		return nil
	}
	return nil
}
