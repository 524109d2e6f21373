package market

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Hash is a 32-byte keccak256 word. Order hashes, deal ids, task ids,
// transaction hashes and salts all share this shape.
type Hash [32]byte

// ZeroHash is the all-zero word.
var ZeroHash Hash

// Keccak256 hashes the concatenation of parts with legacy keccak256, the
// same rule the settlement contracts use.
func Keccak256(parts ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ParseHash decodes a 0x-prefixed 64 hex digit string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != 64 {
		return h, fmt.Errorf("hash %q: want 64 hex digits, got %d", s, len(raw))
	}
	if _, err := hex.Decode(h[:], []byte(raw)); err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	return h, nil
}

// IsZero reports whether h is ZeroHash.
func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*h = ZeroHash
		return nil
	}
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Signature is a raw signature blob, hex encoded on the wire.
type Signature []byte

func (s Signature) String() string { return "0x" + hex.EncodeToString(s) }

func (s Signature) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Signature) UnmarshalText(b []byte) error {
	raw := strings.TrimPrefix(strings.TrimPrefix(string(b), "0x"), "0X")
	if raw == "" {
		*s = nil
		return nil
	}
	out, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	*s = out
	return nil
}
