package codec

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var nodeIDPattern = regexp.MustCompile(`^[0-9a-f]{66}$`)

// ValidNodeID reports whether s is a lowercase 33-byte compressed secp256k1
// public key encoded as 66 hex characters.
func ValidNodeID(s string) bool {
	return nodeIDPattern.MatchString(s)
}

// fieldSet enumerates, per kind, the mandatory kind-specific fields beyond
// the common envelope (v, from, ts, sig). Presence and shallow type checks
// are performed here; deep semantic checks (quorum maths, score ranges,
// etc.) belong to the owning component.
var fieldSet = map[Kind][]string{
	KindHandshakeReq:      {"claimed_pubkey", "nonce"},
	KindHandshakeResp:     {"claimed_pubkey", "nonce"},
	KindStateUpdate:       {"owner", "version", "record"},
	KindStateReq:          {"node_id", "since_version"},
	KindHeartbeat:         {},
	KindIntentAnnounce:    {"intent_id", "kind", "subject", "announced_at", "commit_deadline"},
	KindIntentCommit:      {"intent_id"},
	KindIntentAbort:       {"intent_id"},
	KindVouch:             {"subject"},
	KindBanPropose:        {"target", "reason"},
	KindBanVote:           {"target", "decision"},
	KindPeerWarning:       {"target", "reason"},
	KindPeerAvailable:     {"node_id"},
	KindExpansionNominate: {"round_id", "target", "score"},
	KindExpansionElect:    {"round_id", "winner"},
	KindExpansionAbort:    {"round_id", "reason"},
	KindFeeReport:         {"period_id", "reporter", "amount_msat"},
	KindSettleProposed:    {"period_id", "pool_msat", "data_hash"},
	KindSettleVote:        {"period_id", "decision"},
	KindSettleExecute:     {"period_id"},
}

// Validate checks the common envelope and kind-specific field presence for
// a decoded payload. It never returns an error meant to propagate past the
// dispatcher: callers treat any non-nil error as "log and drop".
func Validate(kind Kind, payload []byte) error {
	if !kind.InRange() {
		return fmt.Errorf("codec: kind %d outside protocol range", kind)
	}
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("codec: payload of %d bytes exceeds max %d", len(payload), MaxPayloadBytes)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("codec: decode envelope: %w", err)
	}
	if env.V != SchemaVersion {
		return fmt.Errorf("codec: unsupported schema version %d", env.V)
	}
	if !ValidNodeID(env.From) {
		return fmt.Errorf("codec: from field is not a valid node id")
	}
	if env.Ts <= 0 {
		return fmt.Errorf("codec: missing or non-positive timestamp")
	}
	if RequiresSignature(kind) && env.Sig == "" {
		return fmt.Errorf("codec: kind %d requires a signature", kind)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(payload, &generic); err != nil {
		return fmt.Errorf("codec: decode fields: %w", err)
	}
	for _, field := range fieldSet[kind] {
		if _, ok := generic[field]; !ok {
			return fmt.Errorf("codec: kind %d missing required field %q", kind, field)
		}
	}
	return nil
}
