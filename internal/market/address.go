package market

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies a resource (app, dataset, workerpool) or an account.
// The canonical form is 0x followed by 40 lowercase hex digits.
type Address string

// ZeroAddress means "none" in subjects and "unrestricted" in restrictions.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// ParseAddress validates and lowercases s. An empty string yields ZeroAddress.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ZeroAddress, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "", fmt.Errorf("address %q: missing 0x prefix", s)
	}
	raw := strings.ToLower(s[2:])
	if len(raw) != 40 {
		return "", fmt.Errorf("address %q: want 40 hex digits, got %d", s, len(raw))
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("address %q: %w", s, err)
	}
	return Address("0x" + raw), nil
}

// AddressFromPublicKey derives an account address from the last 20 bytes of
// keccak256(pub).
func AddressFromPublicKey(pub []byte) Address {
	h := Keccak256(pub)
	return Address("0x" + hex.EncodeToString(h[12:]))
}

// IsZero reports an empty or all-zero address, which means unrestricted.
func (a Address) IsZero() bool { return a == "" || a == ZeroAddress }

// Canonical maps the empty address to ZeroAddress so both hash the same way.
func (a Address) Canonical() Address {
	if a == "" {
		return ZeroAddress
	}
	return Address(strings.ToLower(string(a)))
}

func (a Address) String() string { return string(a.Canonical()) }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
