// Package hostface declares the Core Lightning host interface the
// coordination core consumes (spec §6). The plugin process implements
// Host by wrapping the actual cl-plugin RPC/hook machinery; every other
// package here only depends on this interface, never on the concrete
// plugin runtime, so the core can be exercised against a fake Host in
// tests.
package hostface

import (
	"context"
	"time"
)

// PeerInfo is one entry from list_peers.
type PeerInfo struct {
	NodeID    string
	Connected bool
	Address   string
}

// NodeInfo is the host's self-description.
type NodeInfo struct {
	NodeID      string
	Alias       string
	BlockHeight uint64
}

// Forward is one completed HTLC forward since a given timestamp, as listed
// by Host.ForwardsSince. Settlement does not read forwards: a Member with no
// FEE_REPORT for the period contributes zero fees and zero weight.
type Forward struct {
	InChannel  string
	OutChannel string
	FeeMsat    uint64
	ReceivedAt time.Time
}

// Host is the set of operations the coordination core needs from the
// running Core Lightning node.
type Host interface {
	// SendCustomMessage transmits an already-encoded codec frame to peerID.
	SendCustomMessage(ctx context.Context, peerID string, payload []byte) error
	// SignMessage signs text with the node's own Lightning node key,
	// independent of the secp256k1 hive identity key used for protocol
	// signatures.
	SignMessage(ctx context.Context, text string) (string, error)
	// VerifyMessage checks sig over text against claimedPubkey.
	VerifyMessage(ctx context.Context, text, sig, claimedPubkey string) (bool, error)
	// ListPeers returns every currently known Lightning peer.
	ListPeers(ctx context.Context) ([]PeerInfo, error)
	// OpenChannel requests a channel open to peerID for amountSat.
	OpenChannel(ctx context.Context, peerID string, amountSat uint64) error
	// PayOffer pays a BOLT12 offer for amountMsat.
	PayOffer(ctx context.Context, offer string, amountMsat uint64) error
	// NodeInfo describes the running node.
	NodeInfo(ctx context.Context) (NodeInfo, error)
	// ForwardsSince lists completed forwards at or after since.
	ForwardsSince(ctx context.Context, since time.Time) ([]Forward, error)
}

// IncomingMessageResult is the return contract of incoming_message_hook:
// the host passes a message through to the rest of its own hook chain
// unless the core explicitly claims it.
type IncomingMessageResult int

const (
	// ResultPass means the frame did not carry the hive magic and must be
	// forwarded to any other plugin hook.
	ResultPass IncomingMessageResult = iota
	// ResultHandled means the core consumed the frame. cmd/hived still
	// answers the hook with "continue", so later hooks in the chain also
	// see it.
	ResultHandled
)

// Dispatcher is implemented by the core's inbound routing component and
// invoked once per incoming_message_hook call.
type Dispatcher interface {
	HandleIncoming(ctx context.Context, peerID string, payload []byte) IncomingMessageResult
}
