package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/hostface"
)

// pluginHost implements hostface.Host by shelling RPC calls through the
// running node's lightning-rpc socket, the transport every cl-plugin
// uses to talk back to its host.
type pluginHost struct {
	rpc *lightningRPC
}

func newPluginHost(rpc *lightningRPC) *pluginHost {
	return &pluginHost{rpc: rpc}
}

func (h *pluginHost) SendCustomMessage(ctx context.Context, peerID string, payload []byte) error {
	return h.rpc.Call("sendcustommsg", map[string]any{
		"node_id": peerID,
		"msg":     hex.EncodeToString(payload),
	}, nil)
}

func (h *pluginHost) SignMessage(ctx context.Context, text string) (string, error) {
	var out struct {
		Signature string `json:"signature"`
	}
	if err := h.rpc.Call("signmessage", map[string]any{"message": text}, &out); err != nil {
		return "", err
	}
	return out.Signature, nil
}

func (h *pluginHost) VerifyMessage(ctx context.Context, text, sig, claimedPubkey string) (bool, error) {
	var out struct {
		Verified bool   `json:"verified"`
		Pubkey   string `json:"pubkey"`
	}
	err := h.rpc.Call("checkmessage", map[string]any{
		"message": text,
		"zbase":   sig,
		"pubkey":  claimedPubkey,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Verified, nil
}

func (h *pluginHost) ListPeers(ctx context.Context) ([]hostface.PeerInfo, error) {
	var out struct {
		Peers []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
			NetAddr   string `json:"netaddr"`
		} `json:"peers"`
	}
	if err := h.rpc.Call("listpeers", nil, &out); err != nil {
		return nil, err
	}
	peers := make([]hostface.PeerInfo, 0, len(out.Peers))
	for _, p := range out.Peers {
		peers = append(peers, hostface.PeerInfo{NodeID: p.ID, Connected: p.Connected, Address: p.NetAddr})
	}
	return peers, nil
}

func (h *pluginHost) OpenChannel(ctx context.Context, peerID string, amountSat uint64) error {
	return h.rpc.Call("fundchannel", map[string]any{
		"id":     peerID,
		"amount": amountSat,
	}, nil)
}

func (h *pluginHost) PayOffer(ctx context.Context, offer string, amountMsat uint64) error {
	var fetched struct {
		Invoice string `json:"invoice"`
	}
	err := h.rpc.Call("fetchinvoice", map[string]any{
		"offer":      offer,
		"amount_msat": amountMsat,
	}, &fetched)
	if err != nil {
		return fmt.Errorf("hived: fetchinvoice for offer: %w", err)
	}
	return h.rpc.Call("pay", map[string]any{"bolt11": fetched.Invoice}, nil)
}

func (h *pluginHost) NodeInfo(ctx context.Context) (hostface.NodeInfo, error) {
	var out struct {
		ID          string `json:"id"`
		Alias       string `json:"alias"`
		BlockHeight uint64 `json:"blockheight"`
	}
	if err := h.rpc.Call("getinfo", nil, &out); err != nil {
		return hostface.NodeInfo{}, err
	}
	return hostface.NodeInfo{NodeID: out.ID, Alias: out.Alias, BlockHeight: out.BlockHeight}, nil
}

func (h *pluginHost) ForwardsSince(ctx context.Context, since time.Time) ([]hostface.Forward, error) {
	var out struct {
		Forwards []struct {
			InChannel   string `json:"in_channel"`
			OutChannel  string `json:"out_channel"`
			FeeMsat     uint64 `json:"fee_msat"`
			ResolvedAt  int64  `json:"resolved_time"`
			Status      string `json:"status"`
		} `json:"forwards"`
	}
	if err := h.rpc.Call("listforwards", map[string]any{"status": "settled"}, &out); err != nil {
		return nil, err
	}
	forwards := make([]hostface.Forward, 0, len(out.Forwards))
	for _, f := range out.Forwards {
		t := time.Unix(f.ResolvedAt, 0)
		if t.Before(since) {
			continue
		}
		forwards = append(forwards, hostface.Forward{
			InChannel:  f.InChannel,
			OutChannel: f.OutChannel,
			FeeMsat:    f.FeeMsat,
			ReceivedAt: t,
		})
	}
	return forwards, nil
}
