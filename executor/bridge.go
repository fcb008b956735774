package executor

import (
	"context"
	"fmt"

	"github.com/lightning-goats/cl-hive-sub002/errs"
)

// FeePolicy is the fee schedule the executor should apply to one channel.
type FeePolicy struct {
	ChannelID   string
	BaseMsat    uint64
	PPMRate     uint32
}

// RebalanceRequest asks the executor to move liquidity toward target.
type RebalanceRequest struct {
	ChannelID    string
	TargetMsat   uint64
	MaxFeeMsat   uint64
}

// Status is the executor's self-reported health snapshot.
type Status struct {
	Healthy bool
	Detail  string
}

// Backend is the external executor interface the core consumes: it applies
// fee policy decisions and rebalance requests and reports its own health.
// Implementations talk to the actual executor process over whatever
// transport it exposes (gRPC, Unix socket RPC, HTTP) — the Bridge is
// transport-agnostic.
type Backend interface {
	ApplyFeePolicy(ctx context.Context, p FeePolicy) error
	RequestRebalance(ctx context.Context, r RebalanceRequest) error
	GetStatus(ctx context.Context) (Status, error)
}

// Bridge wraps a Backend behind a Breaker so a failing or unreachable
// executor degrades to fast, typed rejections instead of hanging callers
// or letting errors go unnoticed.
type Bridge struct {
	Backend Backend
	Breaker *Breaker
}

// NewBridge wires backend behind a fresh, spec-default Breaker.
func NewBridge(backend Backend) *Bridge {
	return &Bridge{Backend: backend, Breaker: NewBreaker()}
}

func (b *Bridge) guard(ctx context.Context, call func(ctx context.Context) error) error {
	if !b.Breaker.Allow() {
		return fmt.Errorf("%w: circuit breaker is open", errs.ExecutorUnavailable)
	}
	if err := call(ctx); err != nil {
		b.Breaker.RecordFailure()
		return err
	}
	b.Breaker.RecordSuccess()
	return nil
}

// ApplyFeePolicy forwards to the backend unless the breaker is Open.
func (b *Bridge) ApplyFeePolicy(ctx context.Context, p FeePolicy) error {
	return b.guard(ctx, func(ctx context.Context) error { return b.Backend.ApplyFeePolicy(ctx, p) })
}

// RequestRebalance forwards to the backend unless the breaker is Open.
func (b *Bridge) RequestRebalance(ctx context.Context, r RebalanceRequest) error {
	return b.guard(ctx, func(ctx context.Context) error { return b.Backend.RequestRebalance(ctx, r) })
}

// GetStatus forwards to the backend unless the breaker is Open.
func (b *Bridge) GetStatus(ctx context.Context) (Status, error) {
	var status Status
	err := b.guard(ctx, func(ctx context.Context) error {
		var err error
		status, err = b.Backend.GetStatus(ctx)
		return err
	})
	return status, err
}
