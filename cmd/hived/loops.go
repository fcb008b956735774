package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/codec"
	"github.com/lightning-goats/cl-hive-sub002/config"
	"github.com/lightning-goats/cl-hive-sub002/executor"
	"github.com/lightning-goats/cl-hive-sub002/expansion"
	"github.com/lightning-goats/cl-hive-sub002/export"
	"github.com/lightning-goats/cl-hive-sub002/governance"
	"github.com/lightning-goats/cl-hive-sub002/hostface"
	"github.com/lightning-goats/cl-hive-sub002/identity"
	"github.com/lightning-goats/cl-hive-sub002/intent"
	"github.com/lightning-goats/cl-hive-sub002/membership"
	"github.com/lightning-goats/cl-hive-sub002/observability/metrics"
	"github.com/lightning-goats/cl-hive-sub002/scheduler"
	"github.com/lightning-goats/cl-hive-sub002/settlement"
	"github.com/lightning-goats/cl-hive-sub002/statemap"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

// exportInterval is how often a configured archiver sweeps newly settled
// periods; daily is frequent enough that a file never grows past one
// day's worth of periods without making the operator wait a week to see
// yesterday's export.
const exportInterval = 24 * time.Hour

// schedulerLoops builds the duty-cycle closures named in spec §4.10, plus
// the archival export loop SPEC_FULL adds, and returns them keyed by name
// for scheduler.Scheduler.Run. archiver is nil when hived was started
// without --export-dir.
func schedulerLoops(
	log *slog.Logger,
	cfgMgr *config.Manager,
	self *identity.PrivateKey,
	host hostface.Host,
	gossip *statemap.Gossip,
	lock *intent.Lock,
	roster *membership.Roster,
	planner *expansion.Planner,
	round *settlement.Round,
	gov *governance.Gate,
	bridge *executor.Bridge,
	broadcaster *gatedBroadcaster,
	archiver *export.Archiver,
) map[string]func(ctx context.Context) {
	local := statemap.NewLocal(self, statemap.Record{Balances: map[string]int64{}})
	emitter := &statemap.Emitter{
		Local:  local,
		Gossip: gossip,
		Sender: broadcaster,
		Encode: func(l *statemap.Local, now time.Time) ([]byte, error) {
			body, err := l.Sign(now)
			if err != nil {
				return nil, err
			}
			return codec.Encode(codec.KindStateUpdate, body)
		},
		Log:               log,
		ThresholdPct:      cfgMgr.Current().GossipThresholdPct,
		HeartbeatInterval: time.Duration(cfgMgr.Current().HeartbeatIntervalS) * time.Second,
	}

	return map[string]func(ctx context.Context){
		"gossip": func(ctx context.Context) {
			interval := time.Duration(cfgMgr.Current().HeartbeatIntervalS) * time.Second
			scheduler.GossipLoop(ctx, interval, log, func(ctx context.Context) error {
				return emitHeartbeat(ctx, host, emitter)
			})
		},
		"intent_monitor": func(ctx context.Context) {
			scheduler.IntentMonitorLoop(ctx, log, func(ctx context.Context) error {
				return runIntentMonitorTick(ctx, log, cfgMgr, self, host, lock, gov, broadcaster)
			})
		},
		"membership": func(ctx context.Context) {
			scheduler.MembershipLoop(ctx, log, func(ctx context.Context) error {
				var active, banned int64
				err := roster.Store.Tx(ctx, func(tx *store.Tx) error {
					var err error
					active, err = tx.CountActiveMembers()
					if err != nil {
						return err
					}
					members, err := tx.AllMembers()
					for _, m := range members {
						if m.Banned {
							banned++
						}
					}
					return err
				})
				if err != nil {
					return err
				}
				lifted, err := roster.SweepExpiredBans(ctx)
				if err != nil {
					return err
				}
				if lifted > 0 {
					log.Info("hived: amnesty swept expired bans", "count", lifted)
				}
				retention := time.Duration(cfgMgr.Current().BanRetentionS) * time.Second
				if err := roster.PurgeRetiredBanProposals(ctx, retention); err != nil {
					return err
				}
				metrics.Hive().BansActive.Set(float64(banned))
				log.Debug("hived: membership tick", "active_members", active, "banned", banned)
				return nil
			})
		},
		"planner": func(ctx context.Context) {
			scheduler.PlannerLoop(ctx, log, func(ctx context.Context) error {
				return runPlannerTick(ctx, log, self, planner, lock, broadcaster)
			})
		},
		"settlement": func(ctx context.Context) {
			scheduler.SettlementLoop(ctx, log, func(ctx context.Context) error {
				now := time.Now()
				current := settlement.ForTime(now)
				previous := settlement.ForTime(now.Add(-7 * 24 * time.Hour))
				if err := round.SweepTimeouts(ctx, []string{current, previous}); err != nil {
					return err
				}
				return refreshBreakerMetric(ctx, bridge)
			})
		},
		"antientropy": func(ctx context.Context) {
			scheduler.AntiEntropyLoop(ctx, log, func(ctx context.Context) error {
				return emitter.SweepOnce(ctx, buildStateReqFrame(self))
			})
		},
		"export": func(ctx context.Context) {
			if archiver == nil {
				return
			}
			since := time.Now()
			scheduler.Loop(ctx, "export", exportInterval, log, func(ctx context.Context) error {
				result, err := archiver.Run(ctx, since)
				if err != nil {
					return err
				}
				since = time.Now()
				log.Info("hived: archived settlement history", "rounds", result.Rounds, "fee_reports", result.FeeReports)
				return nil
			})
		},
	}
}

// refreshBreakerMetric publishes the executor circuit breaker's current
// state so an operator dashboard sees a trip without having to wait for a
// failed fee-policy or rebalance call. bridge is nil when hived was
// started without --executor-addr.
func refreshBreakerMetric(ctx context.Context, bridge *executor.Bridge) error {
	if bridge == nil {
		return nil
	}
	metrics.Hive().BreakerState.WithLabelValues("executor").Set(metrics.BreakerStateValue(bridge.Breaker.State()))
	return nil
}

// emitHeartbeat probes host liveness and unconditionally re-announces this
// node's current record via emitter, regardless of whether it changed since
// the last tick, so peers can detect liveness even during a quiet period.
func emitHeartbeat(ctx context.Context, host hostface.Host, emitter *statemap.Emitter) error {
	if _, err := host.NodeInfo(ctx); err != nil {
		return err
	}
	if err := emitter.Heartbeat(ctx); err != nil {
		return err
	}
	metrics.Hive().GossipEmitted.Inc()
	return nil
}

// buildStateReqFrame returns the emitter.SweepOnce callback that frames an
// unsigned STATE_REQ for a single owner/since_version pair.
func buildStateReqFrame(self *identity.PrivateKey) func(owner string, sinceVersion uint64) ([]byte, error) {
	return func(owner string, sinceVersion uint64) ([]byte, error) {
		body, err := json.Marshal(struct {
			V            int    `json:"v"`
			From         string `json:"from"`
			Ts           int64  `json:"ts"`
			NodeID       string `json:"node_id"`
			SinceVersion uint64 `json:"since_version"`
		}{V: codec.SchemaVersion, From: string(self.NodeID()), Ts: time.Now().Unix(), NodeID: owner, SinceVersion: sinceVersion})
		if err != nil {
			return nil, err
		}
		return codec.Encode(codec.KindStateReq, body)
	}
}

// runIntentMonitorTick sweeps stale Announced intents to Expired, then
// resolves any locally owned intent whose Wait window has closed:
// broadcasting the Commit/Abort decision and, for a won channel-open
// intent, driving the governance-gated OpenChannel call.
func runIntentMonitorTick(ctx context.Context, log *slog.Logger, cfgMgr *config.Manager, self *identity.PrivateKey, host hostface.Host, lock *intent.Lock, gov *governance.Gate, broadcaster *gatedBroadcaster) error {
	if err := lock.Sweep(ctx); err != nil {
		return err
	}

	var pending []store.Intent
	if err := lock.Store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		pending, err = tx.IntentsInState(intent.StateAnnounced)
		return err
	}); err != nil {
		return err
	}

	now := time.Now()
	selfID := string(self.NodeID())
	for i := range pending {
		in := pending[i]
		if in.Owner != selfID || now.Before(in.CommitDeadline) {
			continue
		}
		won, err := lock.Resolve(ctx, &in)
		if err != nil {
			return err
		}
		kind, field := codec.KindIntentAbort, "aborted"
		if won {
			kind, field = codec.KindIntentCommit, "committed"
		}
		frame, err := codec.SignedFrame(kind, self, selfID, now.Unix(), map[string]any{"intent_id": in.IntentID})
		if err != nil {
			return err
		}
		if err := broadcaster.Broadcast(ctx, frame); err != nil {
			return err
		}
		log.Info("hived: intent resolved", "intent_id", in.IntentID, "outcome", field)

		if won && in.Kind == expansion.KindChannelOpen {
			if err := openElectedChannel(ctx, log, cfgMgr, host, gov, in.Subject); err != nil {
				log.Warn("hived: channel open for elected expansion failed", "target", in.Subject, "err", err)
			}
		}
	}
	return nil
}

// openElectedChannel consults Governance before invoking the host's
// OpenChannel RPC for an expansion round this node won; in advisor or
// oracle mode the open is deferred to a PendingAction instead. The channel
// size is the operator-configured per-channel cap: Expansion carries no
// amount of its own, so the cap doubles as the deterministic open size.
func openElectedChannel(ctx context.Context, log *slog.Logger, cfgMgr *config.Manager, host hostface.Host, gov *governance.Gate, target string) error {
	amountSat := cfgMgr.Current().PerChannelCapSat
	if amountSat <= 0 {
		log.Warn("hived: skipping channel open, no per_channel_cap_sat configured", "target", target)
		return nil
	}
	proceed, err := gov.Consult(ctx, "channel_open", map[string]any{"target": target, "amount_sat": amountSat})
	if err != nil {
		return err
	}
	if !proceed {
		log.Info("hived: channel open deferred to operator", "target", target)
		return nil
	}
	return host.OpenChannel(ctx, target, uint64(amountSat))
}

// runPlannerTick elects or expires every round whose nominating window has
// closed, broadcasting the outcome; a round this node wins hands off to an
// Intent so the actual channel open serializes against any other round
// racing for the same target.
func runPlannerTick(ctx context.Context, log *slog.Logger, self *identity.PrivateKey, planner *expansion.Planner, lock *intent.Lock, broadcaster *gatedBroadcaster) error {
	rounds, err := planner.ExpiredNominatingRounds(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	selfID := string(self.NodeID())
	for _, round := range rounds {
		winner, err := planner.Elect(ctx, round.RoundID)
		if err != nil {
			if err := planner.Expire(ctx, round.RoundID); err != nil {
				return err
			}
			frame, ferr := codec.SignedFrame(codec.KindExpansionAbort, self, selfID, now.Unix(),
				map[string]any{"round_id": round.RoundID, "reason": "no_nominations"})
			if ferr != nil {
				return ferr
			}
			if err := broadcaster.Broadcast(ctx, frame); err != nil {
				return err
			}
			continue
		}

		frame, err := codec.SignedFrame(codec.KindExpansionElect, self, selfID, now.Unix(),
			map[string]any{"round_id": round.RoundID, "winner": winner})
		if err != nil {
			return err
		}
		if err := broadcaster.Broadcast(ctx, frame); err != nil {
			return err
		}
		log.Info("hived: expansion round elected", "round_id", round.RoundID, "winner", winner)

		if winner != selfID {
			continue
		}
		owned, err := lock.Announce(ctx, selfID, expansion.KindChannelOpen, round.Target)
		if err != nil {
			return err
		}
		announceFrame, err := codec.SignedFrame(codec.KindIntentAnnounce, self, selfID, now.Unix(), map[string]any{
			"intent_id":       owned.IntentID,
			"kind":            owned.Kind,
			"subject":         owned.Subject,
			"announced_at":    owned.AnnouncedAt.Unix(),
			"commit_deadline": owned.CommitDeadline.Unix(),
		})
		if err != nil {
			return err
		}
		if err := broadcaster.Broadcast(ctx, announceFrame); err != nil {
			return err
		}
	}
	return nil
}
