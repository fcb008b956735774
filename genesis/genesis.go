// Package genesis loads the founding-roster manifest so a fresh fleet
// isn't stuck with zero Members able to vouch for anyone.
package genesis

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lightning-goats/cl-hive-sub002/codec"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

// Manifest is the static YAML description of a fleet's founding Members.
type Manifest struct {
	Founders []Founder `yaml:"founders"`
}

// Founder is one founding member admitted directly at Member tier,
// bypassing the normal vouch quorum since no quorum can exist yet.
type Founder struct {
	NodeID string `yaml:"node_id"`
	Label  string `yaml:"label"`
}

// Load parses and validates a genesis manifest from path.
func Load(path string) (*Manifest, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("genesis: parse %s: %w", path, err)
	}
	if len(m.Founders) == 0 {
		return nil, fmt.Errorf("genesis: %s names no founders", path)
	}
	seen := make(map[string]bool, len(m.Founders))
	for _, f := range m.Founders {
		if !codec.ValidNodeID(f.NodeID) {
			return nil, fmt.Errorf("genesis: founder %q has an invalid node_id", f.Label)
		}
		if seen[f.NodeID] {
			return nil, fmt.Errorf("genesis: duplicate founder node_id %s", f.NodeID)
		}
		seen[f.NodeID] = true
	}
	return &m, nil
}

// Bootstrap admits every founder directly at Member tier if the roster is
// currently empty. It is a no-op on a fleet that already has Members, so
// it is safe to call unconditionally on every startup.
func Bootstrap(ctx context.Context, s *store.Store, m *Manifest, now time.Time) error {
	return s.Tx(ctx, func(tx *store.Tx) error {
		existing, err := tx.CountActiveMembers()
		if err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		for _, f := range m.Founders {
			if err := tx.UpsertMember(&store.Member{
				NodeID:     f.NodeID,
				Tier:       store.TierMember,
				AdmittedAt: now,
				PromotedAt: &now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
