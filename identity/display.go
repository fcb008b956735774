package identity

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// DisplayPrefix is the human-readable prefix used purely for cosmetic
// rendering of node ids in CLI/RPC output. It never appears on the wire.
const DisplayPrefix = "hive"

// Display renders a NodeID as a bech32 string for operator-facing output.
// The canonical wire identity remains the 66-hex-character form; this
// exists only so `hivectl status` doesn't print a raw pubkey wall.
func Display(id NodeID) (string, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return "", fmt.Errorf("identity: decode node id: %w", err)
	}
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("identity: convert bits: %w", err)
	}
	encoded, err := bech32.Encode(DisplayPrefix, conv)
	if err != nil {
		return "", fmt.Errorf("identity: bech32 encode: %w", err)
	}
	return encoded, nil
}
