// Package scheduler runs the cooperative background duty cycles of spec
// §4.10 — gossip, intent monitoring, membership evaluation, expansion
// planning, settlement management, and anti-entropy — each built on the
// same cooperative wait primitive so a process-wide cancellation reaches
// every loop at its next tick boundary.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Default tick intervals named in spec §4.10.
const (
	MembershipInterval = 60 * time.Second
	PlannerInterval    = 10 * time.Minute
	SettlementInterval = 60 * time.Second
)

// Wait blocks for interval or until ctx is cancelled, whichever comes
// first, returning false if ctx was cancelled. Every background loop uses
// this instead of a blind time.Sleep so cancellation is always observed
// promptly.
func Wait(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Loop repeatedly invokes tick on the given interval until ctx is
// cancelled, logging (not panicking on) any error tick returns so one bad
// cycle never kills the whole scheduler.
func Loop(ctx context.Context, name string, interval time.Duration, log *slog.Logger, tick func(ctx context.Context) error) {
	if log == nil {
		log = slog.Default()
	}
	for {
		if !Wait(ctx, interval) {
			return
		}
		if err := tick(ctx); err != nil {
			log.Warn("scheduler: loop tick failed", "loop", name, "err", err)
		}
	}
}

// Scheduler owns the set of running duty-cycle loops for one node and the
// context that cancels all of them together.
type Scheduler struct {
	Log *slog.Logger

	cancel context.CancelFunc
}

// Run starts every named loop as its own goroutine against a shared,
// cancellable context, and returns a stop function that cancels them all
// without blocking (the loops themselves complete at their next wait
// boundary; neither Run nor the stop function waits for that, since loops
// may be long-tick, e.g. the 10-minute planner — callers that need a
// synchronous drain should track their own sync.WaitGroup per loop).
func (s *Scheduler) Run(parent context.Context, loops map[string]func(ctx context.Context)) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	for name, loop := range loops {
		go func(name string, loop func(ctx context.Context)) {
			loop(ctx)
		}(name, loop)
	}
	return cancel
}
