package main

import (
	"context"

	"github.com/lightning-goats/cl-hive-sub002/hostcall"
	"github.com/lightning-goats/cl-hive-sub002/hostface"
	"github.com/lightning-goats/cl-hive-sub002/membership"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

// gatedBroadcaster implements intent.Sender (and doubles as the gossip
// emitter's transport) by fanning an already-encoded frame out to every
// non-banned member through the serialized host-call gate, so a burst of
// local announcements cannot flood the host with concurrent RPCs.
type gatedBroadcaster struct {
	host   hostface.Host
	gate   *hostcall.Gate
	roster *membership.Roster
}

func (b *gatedBroadcaster) Broadcast(ctx context.Context, frame []byte) error {
	recipients, err := b.activeRecipients(ctx)
	if err != nil {
		return err
	}
	for _, peerID := range recipients {
		peerID := peerID
		if err := b.gate.Call(ctx, func(ctx context.Context) error {
			return b.host.SendCustomMessage(ctx, peerID, frame)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *gatedBroadcaster) activeRecipients(ctx context.Context) ([]string, error) {
	var peerIDs []string
	err := b.roster.Store.Tx(ctx, func(tx *store.Tx) error {
		members, err := tx.AllMembers()
		if err != nil {
			return err
		}
		for _, m := range members {
			if !m.Banned {
				peerIDs = append(peerIDs, m.NodeID)
			}
		}
		return nil
	})
	return peerIDs, err
}

// SendTo unicasts frame to a single peer through the same serialized gate,
// used by the STATE_REQ response path and anti-entropy sweeps.
func (b *gatedBroadcaster) SendTo(ctx context.Context, peerID string, frame []byte) error {
	return b.gate.Call(ctx, func(ctx context.Context) error {
		return b.host.SendCustomMessage(ctx, peerID, frame)
	})
}

// ActivePeers lists every non-banned member, for the statemap anti-entropy
// sweep's random-target selection. It has no ctx parameter per the
// statemap.Sender contract, so it falls back to a background context for
// the store lookup.
func (b *gatedBroadcaster) ActivePeers() []string {
	peerIDs, err := b.activeRecipients(context.Background())
	if err != nil {
		return nil
	}
	return peerIDs
}
