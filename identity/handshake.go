package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// HandshakeTimeout bounds the full two-message exchange.
const HandshakeTimeout = 30 * time.Second

// handshakeBody is the signed part of a handshake: the JSON encoding of the
// sender's own claimed_pubkey and its nonce.
type handshakeBody struct {
	ClaimedPubkey string `json:"claimed_pubkey"`
	Nonce         string `json:"nonce"`
}

// Handshake drives both sides of the authenticated exchange. Verify's
// transportPubkey argument is supplied by the dispatcher and reports the
// pubkey the host's transport layer actually observed — the identity-binding check
// compares this against the claimed_pubkey inside the message itself.
type Handshake struct {
	Self    *PrivateKey
	NowFn   func() time.Time
	Replays ReplayGuard
}

// ReplayGuard records handshake nonces so a captured request cannot be
// replayed; Remember must return false if (peer, nonce) was already seen.
type ReplayGuard interface {
	Remember(peerID, nonce string, observedAt time.Time) bool
}

func (h *Handshake) now() time.Time {
	if h.NowFn != nil {
		return h.NowFn()
	}
	return time.Now()
}

// BuildRequest produces the outbound HANDSHAKE_REQ payload.
func (h *Handshake) BuildRequest() ([]byte, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("identity: handshake nonce: %w", err)
	}
	body := handshakeBody{ClaimedPubkey: string(h.Self.NodeID()), Nonce: nonce}
	return h.sign(body)
}

// BuildResponse produces the outbound HANDSHAKE_RESP payload, reusing the
// peer-supplied nonce is intentionally NOT done — a fresh nonce is minted so
// replay protection runs independently in each direction.
func (h *Handshake) BuildResponse() ([]byte, error) {
	return h.BuildRequest()
}

func (h *Handshake) sign(body handshakeBody) ([]byte, error) {
	fields, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	sig, err := h.Self.Sign(fields)
	if err != nil {
		return nil, err
	}
	env := struct {
		V             int    `json:"v"`
		From          string `json:"from"`
		Ts            int64  `json:"ts"`
		ClaimedPubkey string `json:"claimed_pubkey"`
		Nonce         string `json:"nonce"`
		Sig           string `json:"sig"`
	}{
		V:             1,
		From:          string(h.Self.NodeID()),
		Ts:            h.now().Unix(),
		ClaimedPubkey: body.ClaimedPubkey,
		Nonce:         body.Nonce,
		Sig:           sig,
	}
	return json.Marshal(env)
}

// Verify checks a received handshake payload against the pubkey the host's
// transport layer reported for the sender (transportPubkey). Any mismatch
// between transportPubkey and the message's own claimed_pubkey is a hard
// reject regardless of whether the signature itself verifies — binding the
// cryptographic identity to the transport session is the point of this
// check, not merely proving possession of a key.
func (h *Handshake) Verify(ctx context.Context, payload []byte, transportPubkey NodeID, receivedAt time.Time) (NodeID, error) {
	var env struct {
		V             int    `json:"v"`
		From          string `json:"from"`
		Ts            int64  `json:"ts"`
		ClaimedPubkey string `json:"claimed_pubkey"`
		Nonce         string `json:"nonce"`
		Sig           string `json:"sig"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("identity: decode handshake: %w", err)
	}
	claimed := NodeID(env.ClaimedPubkey)
	if !claimed.Valid() {
		return "", fmt.Errorf("identity: malformed claimed_pubkey")
	}
	if claimed != transportPubkey {
		return "", fmt.Errorf("identity: transport sender %s does not match claimed_pubkey %s", transportPubkey, claimed)
	}
	if NodeID(env.From) != claimed {
		return "", fmt.Errorf("identity: from field does not match claimed_pubkey")
	}

	body := handshakeBody{ClaimedPubkey: env.ClaimedPubkey, Nonce: env.Nonce}
	fields, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	if err := Verify(claimed, fields, env.Sig); err != nil {
		return "", fmt.Errorf("identity: handshake signature: %w", err)
	}

	if h.Replays != nil && !h.Replays.Remember(env.From, env.Nonce, receivedAt) {
		return "", fmt.Errorf("identity: handshake nonce replay detected")
	}
	return claimed, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
