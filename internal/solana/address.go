package solana

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PubkeyLength is the decoded size of a Solana address.
const PubkeyLength = 32

// DecodePubkey decodes a base58 address and checks its length.
func DecodePubkey(address string) ([]byte, error) {
	b, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", address, err)
	}
	if len(b) != PubkeyLength {
		return nil, fmt.Errorf("address %q: decoded length %d, want %d", address, len(b), PubkeyLength)
	}
	return b, nil
}

// IsOnCurve reports whether the 32-byte key is a valid ed25519 point.
// Program derived addresses are off-curve by construction.
func IsOnCurve(pubkey []byte) bool {
	if len(pubkey) != PubkeyLength {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(pubkey)
	return err == nil
}

// DecodeBase58Data decodes legacy base58-encoded account data.
func DecodeBase58Data(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	return base58.Decode(s)
}
