package statemap

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Sender delivers an already-encoded codec frame to a single peer, or to
// every authenticated peer when peerID is empty. The dispatcher supplies
// the real implementation over the host's send_custom_message call.
type Sender interface {
	SendTo(ctx context.Context, peerID string, frame []byte) error
	Broadcast(ctx context.Context, frame []byte) error
	ActivePeers() []string
}

// Emitter drives the three STATE_UPDATE emission triggers of spec §4.5:
// a relative-threshold crossing, the heartbeat interval, and an inbound
// STATE_REQ. It holds no gossip state itself beyond the baseline used for
// threshold comparison; Gossip owns the durable peer record set.
type Emitter struct {
	Local    *Local
	Gossip   *Gossip
	Sender   Sender
	Encode   func(rec *Local, now time.Time) ([]byte, error)
	Log      *slog.Logger

	ThresholdPct     float64
	HeartbeatInterval time.Duration

	baseline Record
	NowFn    func() time.Time
}

func (e *Emitter) now() time.Time {
	if e.NowFn != nil {
		return e.NowFn()
	}
	return time.Now()
}

func (e *Emitter) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// MaybeEmit compares the live record against the last-emitted baseline and
// broadcasts a fresh STATE_UPDATE if the relative change exceeds
// ThresholdPct. It is meant to be called after every Local.Update.
func (e *Emitter) MaybeEmit(ctx context.Context, live Record) error {
	if !ExceedsThreshold(e.baseline, live, e.ThresholdPct) {
		return nil
	}
	return e.emit(ctx, live)
}

// Heartbeat unconditionally re-announces the current record, regardless of
// whether it changed, so peers can detect liveness even during a quiet
// period.
func (e *Emitter) Heartbeat(ctx context.Context) error {
	return e.emit(ctx, e.baseline)
}

func (e *Emitter) emit(ctx context.Context, live Record) error {
	frame, err := e.Encode(e.Local, e.now())
	if err != nil {
		return err
	}
	if err := e.Sender.Broadcast(ctx, frame); err != nil {
		return err
	}
	e.baseline = live
	e.logger().Debug("statemap: emitted state update", "version", e.Local.Version())
	return nil
}

// RunHeartbeat loops until ctx is cancelled, firing Heartbeat on the
// configured interval — grounded on the teacher's keepaliveLoop ticker
// idiom (p2p/peer.go).
func (e *Emitter) RunHeartbeat(ctx context.Context) {
	interval := e.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Heartbeat(ctx); err != nil {
				e.logger().Warn("statemap: heartbeat emit failed", "err", err)
			}
		}
	}
}

// AntiEntropyInterval is the default sweep period of spec §4.5.
const AntiEntropyInterval = 15 * time.Minute

// SweepOnce asks target about its own record since the version this node
// last merged from it (0 if it has never been heard from), rather than
// every owner at once — STATE_REQ's wire shape carries a single node_id.
func (e *Emitter) SweepOnce(ctx context.Context, buildStateReq func(owner string, sinceVersion uint64) ([]byte, error)) error {
	peers := e.Sender.ActivePeers()
	if len(peers) == 0 {
		return nil
	}
	target := peers[rand.Intn(len(peers))]

	versions, err := e.Gossip.VersionsByOwner(ctx)
	if err != nil {
		return err
	}
	frame, err := buildStateReq(target, versions[target])
	if err != nil {
		return err
	}
	return e.Sender.SendTo(ctx, target, frame)
}
