// Package identity manages node identity (a compressed secp256k1 public key
// serialized as lowercase hex) and the signing/verification primitives every
// trust-bearing message relies on.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// NodeID is the canonical 66-hex-character compressed public key identifying
// a fleet member on the wire. It is never derived into a chain-style address
// for protocol purposes; a bech32 rendering exists only for operator display.
type NodeID string

// Valid reports whether the NodeID has the expected shape.
func (n NodeID) Valid() bool {
	if len(n) != 66 {
		return false
	}
	_, err := hex.DecodeString(string(n))
	return err == nil
}

// PrivateKey wraps an ecdsa.PrivateKey over the secp256k1 curve.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a new random identity key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes parses a raw 32-byte scalar into a PrivateKey.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("identity: decode private key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// NodeID returns the compressed-pubkey node identifier for this key.
func (k *PrivateKey) NodeID() NodeID {
	compressed := ethcrypto.CompressPubkey(&k.PublicKey)
	return NodeID(hex.EncodeToString(compressed))
}

// Sign produces a deterministic ECDSA signature (hex-encoded, 65 bytes with
// recovery id) over the Keccak256 digest of msg.
func (k *PrivateKey) Sign(msg []byte) (string, error) {
	digest := ethcrypto.Keccak256(msg)
	sig, err := ethcrypto.Sign(digest, k.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// DecompressNodeID turns a NodeID back into an ecdsa.PublicKey.
func DecompressNodeID(id NodeID) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("identity: decode node id: %w", err)
	}
	pub, err := ethcrypto.DecompressPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: decompress node id: %w", err)
	}
	return pub, nil
}

// Verify checks a hex-encoded signature over msg against the claimed node id.
func Verify(id NodeID, msg []byte, sigHex string) error {
	if !id.Valid() {
		return fmt.Errorf("identity: malformed node id")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("identity: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("identity: signature must be 65 bytes, got %d", len(sig))
	}
	digest := ethcrypto.Keccak256(msg)
	recovered, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("identity: recover signer: %w", err)
	}
	recoveredID := NodeID(hex.EncodeToString(ethcrypto.CompressPubkey(recovered)))
	if recoveredID != id {
		return fmt.Errorf("identity: signature does not match claimed node id")
	}
	return nil
}
