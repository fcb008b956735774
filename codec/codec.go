// Package codec implements the wire framing for hive's custom-message
// protocol: magic(4) || kind(2) || length(2) || payload. Payload is a JSON
// object carrying a schema version, the sender's pubkey, a timestamp, and
// kind-specific fields, optionally signed over the canonical key-sorted
// serialization of every field but sig itself.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Magic identifies a payload as belonging to the coordination core rather
// than to unrelated host traffic sharing the same custom-message channel.
const Magic uint32 = 0x48495645

// Kind enumerates the recognized message kinds. The range is fixed by the
// host's custom-message allocation and is not configurable.
type Kind uint16

const (
	KindHandshakeReq      Kind = 32769
	KindHandshakeResp     Kind = 32770
	KindStateUpdate       Kind = 32771
	KindStateReq          Kind = 32772
	KindHeartbeat         Kind = 32773
	KindIntentAnnounce    Kind = 32774
	KindIntentCommit      Kind = 32775
	KindIntentAbort       Kind = 32776
	KindVouch             Kind = 32777
	KindBanPropose        Kind = 32778
	KindBanVote           Kind = 32779
	KindPeerWarning       Kind = 32780
	KindPeerAvailable     Kind = 32781
	KindExpansionNominate Kind = 32782
	KindExpansionElect    Kind = 32783
	KindExpansionAbort    Kind = 32784
	KindFeeReport         Kind = 32785
	KindSettleProposed    Kind = 32786
	KindSettleVote        Kind = 32787
	KindSettleExecute     Kind = 32788

	KindMin Kind = 32769
	KindMax Kind = 32795
)

// MaxPayloadBytes is the wire-format ceiling on a framed payload.
const MaxPayloadBytes = 65535

const headerLen = 8 // magic(4) + kind(2) + length(2)

// SchemaVersion is the only `v` value this implementation emits or accepts.
const SchemaVersion = 1

// Envelope is the decoded form of a payload, common to every kind.
type Envelope struct {
	V      int             `json:"v"`
	From   string          `json:"from"`
	Ts     int64           `json:"ts"`
	Sig    string          `json:"sig,omitempty"`
	Fields json.RawMessage `json:"-"`
}

// rawEnvelope is used to separate the envelope's fixed fields from the
// kind-specific remainder without losing key ordering information needed
// for canonical signing.
type rawEnvelope map[string]json.RawMessage

// Peek inspects the first bytes of an inbound buffer and reports whether
// they belong to this protocol, without allocating or validating the
// payload. Unrecognized traffic (not our magic) must be passed back to the
// host untouched; that is the caller's responsibility, not this function's.
func Peek(b []byte) (kind Kind, ours bool) {
	if len(b) < headerLen {
		return 0, false
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != Magic {
		return 0, false
	}
	k := binary.BigEndian.Uint16(b[4:6])
	return Kind(k), true
}

// Encode frames a payload for transmission.
func Encode(kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("codec: payload of %d bytes exceeds max %d", len(payload), MaxPayloadBytes)
	}
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(kind))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	return buf, nil
}

// Decode unframes a buffer already confirmed (via Peek) to carry our magic.
// It returns the kind and the raw payload bytes, not yet JSON-decoded.
func Decode(b []byte) (Kind, []byte, error) {
	if len(b) < headerLen {
		return 0, nil, fmt.Errorf("codec: frame too short (%d bytes)", len(b))
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != Magic {
		return 0, nil, fmt.Errorf("codec: bad magic %#x", magic)
	}
	kind := Kind(binary.BigEndian.Uint16(b[4:6]))
	length := int(binary.BigEndian.Uint16(b[6:8]))
	if headerLen+length > len(b) {
		return 0, nil, fmt.Errorf("codec: declared length %d exceeds frame", length)
	}
	payload := b[headerLen : headerLen+length]
	if length > MaxPayloadBytes {
		return 0, nil, fmt.Errorf("codec: payload of %d bytes exceeds max %d", length, MaxPayloadBytes)
	}
	return kind, payload, nil
}

// Signer produces the detached signature over a canonical byte string; it is
// satisfied by *identity.PrivateKey without this package importing identity.
type Signer interface {
	Sign(msg []byte) (string, error)
}

// SignedFrame builds and frames a signed payload for kind: it stamps the
// common envelope (v, from, ts), marshals fields, signs the canonical byte
// string with signer, and re-marshals with the signature attached. Callers
// own everything kind-specific; this only owns the envelope plumbing shared
// by every outbound trust-bearing message.
func SignedFrame(kind Kind, signer Signer, fromNodeID string, now int64, fields map[string]any) ([]byte, error) {
	fields["v"] = SchemaVersion
	fields["from"] = fromNodeID
	fields["ts"] = now

	unsigned, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal fields for signing: %w", err)
	}
	canon, err := CanonicalBytes(unsigned)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(canon)
	if err != nil {
		return nil, fmt.Errorf("codec: sign frame: %w", err)
	}
	fields["sig"] = sig

	signed, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal signed fields: %w", err)
	}
	return Encode(kind, signed)
}

// InRange reports whether kind falls in the protocol's allocated range.
func (k Kind) InRange() bool {
	return k >= KindMin && k <= KindMax
}

// RequiresSignature reports whether a kind carries trust-bearing content
// and must therefore have its signature re-verified by Identity before any
// component acts on it.
func RequiresSignature(kind Kind) bool {
	switch kind {
	case KindStateUpdate, KindVouch, KindBanPropose, KindBanVote,
		KindExpansionNominate, KindExpansionElect, KindExpansionAbort,
		KindFeeReport, KindSettleProposed, KindSettleVote, KindSettleExecute,
		KindIntentAnnounce, KindIntentCommit, KindIntentAbort:
		return true
	default:
		return false
	}
}

// CanonicalBytes produces the deterministic byte string signed messages are
// signed over: the JSON object's fields in lexicographic key order, with
// "sig" itself excluded.
func CanonicalBytes(payload []byte) ([]byte, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("codec: decode for canonicalization: %w", err)
	}
	delete(raw, "sig")

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sortStrings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(raw[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
