// Package statemap implements each node's self-owned StateRecord and the
// anti-entropy gossip that propagates it (spec §4.5).
package statemap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/identity"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

// Record is the content a node gossips about itself: channel capacity,
// per-channel local balances, and anything else fleet-mates use to weight
// cooperative decisions. Fields beyond CapacityMsat/Balances are free-form
// so the Settlement and Expansion components can extend it without a
// statemap schema change.
type Record struct {
	Owner        string           `json:"owner"`
	CapacityMsat uint64           `json:"capacity_msat"`
	Balances     map[string]int64 `json:"balances"`
	UptimeRatio  float64          `json:"uptime_ratio"`
}

func (r Record) contentHash() string {
	blob, _ := json.Marshal(r)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Local tracks this node's own record and decides when its version must
// bump: only on a content-hash change, never on a bare re-emit, so a
// quiescent node doesn't generate spurious gossip churn.
type Local struct {
	Key        *identity.PrivateKey
	current    Record
	version    uint64
	lastHash   string
}

// NewLocal seeds a Local with an initial record at version 1.
func NewLocal(key *identity.PrivateKey, initial Record) *Local {
	initial.Owner = string(key.NodeID())
	return &Local{Key: key, current: initial, version: 1, lastHash: initial.contentHash()}
}

// Update replaces the local record, bumping the version only if the content
// actually changed.
func (l *Local) Update(next Record) {
	next.Owner = string(l.Key.NodeID())
	hash := next.contentHash()
	if hash == l.lastHash {
		l.current = next
		return
	}
	l.current = next
	l.lastHash = hash
	l.version++
}

// Version returns the current local version.
func (l *Local) Version() uint64 { return l.version }

// Sign produces a signed STATE_UPDATE payload for the current record.
func (l *Local) Sign(now time.Time) ([]byte, error) {
	fields := struct {
		Owner   string `json:"owner"`
		Version uint64 `json:"version"`
		Record  Record `json:"record"`
	}{Owner: string(l.Key.NodeID()), Version: l.version, Record: l.current}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	sig, err := l.Key.Sign(body)
	if err != nil {
		return nil, err
	}
	env := struct {
		V       int    `json:"v"`
		From    string `json:"from"`
		Ts      int64  `json:"ts"`
		Owner   string `json:"owner"`
		Version uint64 `json:"version"`
		Record  Record `json:"record"`
		Sig     string `json:"sig"`
	}{1, string(l.Key.NodeID()), now.Unix(), fields.Owner, fields.Version, fields.Record, sig}
	return json.Marshal(env)
}

// ExceedsThreshold reports whether current diverges from baseline by more
// than pct percent in capacity or any channel balance — the "monitored
// metric crossing a configurable relative threshold" trigger of §4.5.
func ExceedsThreshold(baseline, current Record, pct float64) bool {
	if relChange(float64(baseline.CapacityMsat), float64(current.CapacityMsat)) > pct {
		return true
	}
	for chanID, bal := range current.Balances {
		if relChange(float64(baseline.Balances[chanID]), float64(bal)) > pct {
			return true
		}
	}
	return false
}

func relChange(base, next float64) float64 {
	if base == 0 {
		if next == 0 {
			return 0
		}
		return 100
	}
	delta := next - base
	if delta < 0 {
		delta = -delta
	}
	return (delta / base) * 100
}

// Gossip owns inbound merge and the Store-backed view of every peer's
// latest record.
type Gossip struct {
	Store *store.Store
}

// Merge applies an inbound STATE_UPDATE payload whose signature has already
// been verified by Identity against `from`. Only a strictly higher version
// for the same owner is accepted; a record claiming an owner other than the
// verified signer is rejected outright.
func (g *Gossip) Merge(ctx context.Context, from string, payload []byte, receivedAt time.Time) error {
	var env struct {
		Owner   string `json:"owner"`
		Version uint64 `json:"version"`
		Record  Record `json:"record"`
		Sig     string `json:"sig"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("statemap: decode state update: %w", err)
	}
	if env.Owner != from {
		return fmt.Errorf("statemap: record owner %s does not match signer %s", env.Owner, from)
	}

	return g.Store.Tx(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetStateRecord(env.Owner)
		if err == nil && env.Version <= existing.Version {
			return nil
		} else if err != nil && err != store.ErrNotFound {
			return err
		}
		// Payload retains the original signed envelope bytes, not a
		// re-marshaled Record, so RecordsSince can relay it to a third
		// party verbatim without re-signing on this node's behalf.
		return tx.UpsertStateRecord(&store.StateRecord{
			Owner:       env.Owner,
			Version:     env.Version,
			ContentHash: env.Record.contentHash(),
			Payload:     payload,
			Sig:         env.Sig,
			UpdatedAt:   receivedAt,
		})
	})
}

// VersionsByOwner returns the highest known version for every owner, used
// to build a STATE_REQ during anti-entropy.
func (g *Gossip) VersionsByOwner(ctx context.Context) (map[string]uint64, error) {
	versions := make(map[string]uint64)
	err := g.Store.Tx(ctx, func(tx *store.Tx) error {
		recs, err := tx.AllStateRecords()
		if err != nil {
			return err
		}
		for _, r := range recs {
			versions[r.Owner] = r.Version
		}
		return nil
	})
	return versions, err
}

// RecordsSince returns every stored record with a version strictly greater
// than sinceVersion for owner — the response side of a STATE_REQ.
func (g *Gossip) RecordsSince(ctx context.Context, owner string, sinceVersion uint64) (*store.StateRecord, bool, error) {
	var found *store.StateRecord
	err := g.Store.Tx(ctx, func(tx *store.Tx) error {
		rec, err := tx.GetStateRecord(owner)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Version > sinceVersion {
			found = rec
		}
		return nil
	})
	return found, found != nil, err
}
