// Package governance gates action-producing code paths on the configured
// governance mode (spec §9): autonomous proceeds immediately, advisor and
// oracle instead defer to an operator-confirmed PendingAction. Every path
// that would otherwise invoke the executor or the host directly must
// consult a Gate exactly once per cycle rather than checking the mode
// itself, so the gate stays the single place this policy is enforced.
package governance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lightning-goats/cl-hive-sub002/config"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

// Gate mediates the decision between acting now and deferring to the
// operator.
type Gate struct {
	Config *config.Manager
	Store  *store.Store
	NowFn  func() time.Time
}

func (g *Gate) now() time.Time {
	if g.NowFn != nil {
		return g.NowFn()
	}
	return time.Now()
}

// Consult reports whether kind may execute immediately. In autonomous mode
// it always returns true without touching the store. In advisor and oracle
// modes it persists a PendingAction describing the deferred action and
// returns false; the action is later resolved through the pending-actions
// RPC surface, never re-gated on a subsequent tick.
func (g *Gate) Consult(ctx context.Context, kind string, detail any) (proceed bool, err error) {
	if g.Config.Current().GovernanceMode == config.GovernanceAutonomous {
		return true, nil
	}
	blob, err := json.Marshal(detail)
	if err != nil {
		return false, err
	}
	action := &store.PendingAction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Detail:    string(blob),
		CreatedAt: g.now(),
	}
	if err := g.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.CreatePendingAction(action)
	}); err != nil {
		return false, err
	}
	return false, nil
}
