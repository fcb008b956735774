package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// GossipLoop fires tick (heartbeat + threshold-triggered emission) every
// interval; the caller supplies the statemap.Emitter-backed closure so this
// package stays independent of the gossip package's internals.
func GossipLoop(ctx context.Context, interval time.Duration, log *slog.Logger, tick func(ctx context.Context) error) {
	Loop(ctx, "gossip", interval, log, tick)
}

// IntentMonitorLoop sweeps expired intents on a 1-second tick (spec
// §4.10's intent_monitor_loop). tick should call intent.Lock.Sweep and
// resolve any locally owned intent whose Wait window just elapsed.
func IntentMonitorLoop(ctx context.Context, log *slog.Logger, tick func(ctx context.Context) error) {
	Loop(ctx, "intent_monitor", time.Second, log, tick)
}

// MembershipLoop runs tick on a 60-second interval. cmd/hived's tick lifts
// expired bans, purges retired ban proposals and updates the active-bans
// gauge; promotions are applied when a vouch arrives, not here, and no
// uptime figure is refreshed.
func MembershipLoop(ctx context.Context, log *slog.Logger, tick func(ctx context.Context) error) {
	Loop(ctx, "membership", MembershipInterval, log, tick)
}

// PlannerLoop runs tick on a 10-minute interval. cmd/hived's tick elects or
// expires every round whose nominating window has closed; it applies no
// per-target market-share cap and no per-cycle ignore budget.
func PlannerLoop(ctx context.Context, log *slog.Logger, tick func(ctx context.Context) error) {
	Loop(ctx, "planner", PlannerInterval, log, tick)
}

// SettlementLoop manages proposals and execution for closed periods on a
// 60-second tick.
func SettlementLoop(ctx context.Context, log *slog.Logger, tick func(ctx context.Context) error) {
	Loop(ctx, "settlement", SettlementInterval, log, tick)
}

// AntiEntropyLoop emits a STATE_REQ to a random authenticated peer every
// 15 minutes (spec §4.10's antientropy_loop).
func AntiEntropyLoop(ctx context.Context, log *slog.Logger, tick func(ctx context.Context) error) {
	Loop(ctx, "antientropy", 15*time.Minute, log, tick)
}
