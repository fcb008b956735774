package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/lightning-goats/cl-hive-sub002/hostface"
)

// pluginRequest is one JSON-RPC call the host makes over stdin, covering
// both lifecycle calls (getmanifest, init) and hook invocations
// (custommsg) — CLN's plugin protocol multiplexes both over the same
// stdio stream rather than framing them distinctly.
type pluginRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type pluginResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any    `json:"result"`
}

type customMsgParams struct {
	PeerID string `json:"peer_id"`
	Payload string `json:"payload"`
}

// runPlugin drives the stdio handshake and the ongoing custommsg hook loop
// until stdin closes (the host shut the plugin down). Every frame not
// recognized as hive protocol traffic is handed back to the host
// unmodified via the "continue" result, per the peek-and-pass-through
// contract of the message codec.
func runPlugin(in io.Reader, out io.Writer, log *slog.Logger, dispatcher hostface.Dispatcher) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)

	for {
		var req pluginRequest
		if err := dec.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("hived: decode plugin request: %w", err)
		}

		switch req.Method {
		case "getmanifest":
			if err := enc.Encode(pluginResponse{JSONRPC: "2.0", ID: req.ID, Result: manifest()}); err != nil {
				return fmt.Errorf("hived: encode manifest: %w", err)
			}
		case "init":
			if err := enc.Encode(pluginResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}); err != nil {
				return fmt.Errorf("hived: encode init response: %w", err)
			}
		case "custommsg":
			handleCustomMsg(req, enc, log, dispatcher)
		default:
			// Unrecognized notification/hook call: acknowledge with
			// "continue" so the host's own hook chain keeps running.
			if len(req.ID) > 0 {
				_ = enc.Encode(pluginResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"result": "continue"}})
			}
		}
	}
}

func handleCustomMsg(req pluginRequest, enc *json.Encoder, log *slog.Logger, dispatcher hostface.Dispatcher) {
	var p customMsgParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		log.Warn("hived: malformed custommsg params", "err", err)
		_ = enc.Encode(pluginResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"result": "continue"}})
		return
	}
	payload, err := hex.DecodeString(p.Payload)
	if err != nil {
		log.Warn("hived: custommsg payload is not hex", "peer", p.PeerID, "err", err)
		_ = enc.Encode(pluginResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"result": "continue"}})
		return
	}

	// The dispatcher itself decides pass-through vs handled via codec.Peek;
	// either way the host's hook chain must see "continue" so any other
	// plugin hooked on custommsg still runs.
	dispatcher.HandleIncoming(context.Background(), p.PeerID, payload)
	_ = enc.Encode(pluginResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"result": "continue"}})
}

// manifest describes the plugin's hook subscriptions and RPC options to
// the host during getmanifest. The coordination core only needs the
// custommsg hook; every protocol-level option lives in the TOML config
// file, not plugin startup options, so the options list here stays empty.
func manifest() map[string]any {
	return map[string]any{
		"options":       []any{},
		"rpcmethods":    []any{},
		"subscriptions": []any{},
		"hooks": []map[string]string{
			{"name": "custommsg"},
		},
		"featurebits": map[string]any{},
		"dynamic":     false,
	}
}
