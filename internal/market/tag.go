package market

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Tag is a 256-bit capability set. Bit 0 is the least significant bit of
// the last byte, matching the on-chain bytes32 layout.
type Tag [32]byte

// Named capability bits.
const (
	FlagTEE     uint = 0
	FlagScone   uint = 1
	FlagGramine uint = 2
	FlagTDX     uint = 3
	FlagGPU     uint = 8
)

var tagNames = map[string]uint{
	"tee":     FlagTEE,
	"scone":   FlagScone,
	"gramine": FlagGramine,
	"tdx":     FlagTDX,
	"gpu":     FlagGPU,
}

// AllTags has every bit set; used as the "no ceiling" maxTag.
var AllTags = func() Tag {
	var t Tag
	for i := range t {
		t[i] = 0xff
	}
	return t
}()

// TagOf builds a tag with the given bits set.
func TagOf(bits ...uint) Tag {
	var t Tag
	for _, b := range bits {
		t = t.With(b)
	}
	return t
}

// ParseTag accepts a 0x hex word (left padded to 32 bytes) or a comma
// separated list of flag names such as "tee,scone".
func ParseTag(s string) (Tag, error) {
	var t Tag
	s = strings.TrimSpace(s)
	if s == "" {
		return t, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw := s[2:]
		if len(raw) > 64 {
			return t, fmt.Errorf("tag %q: more than 32 bytes", s)
		}
		if len(raw)%2 == 1 {
			raw = "0" + raw
		}
		b, err := hex.DecodeString(raw)
		if err != nil {
			return t, fmt.Errorf("tag %q: %w", s, err)
		}
		copy(t[32-len(b):], b)
		return t, nil
	}
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		bit, ok := tagNames[name]
		if !ok {
			return Tag{}, fmt.Errorf("tag %q: unknown flag %q", s, name)
		}
		t = t.With(bit)
	}
	return t, nil
}

// With returns t with bit set.
func (t Tag) With(bit uint) Tag {
	if bit < 256 {
		t[31-bit/8] |= 1 << (bit % 8)
	}
	return t
}

// Has reports whether bit is set.
func (t Tag) Has(bit uint) bool {
	if bit >= 256 {
		return false
	}
	return t[31-bit/8]&(1<<(bit%8)) != 0
}

// Or returns the union of t and o.
func (t Tag) Or(o Tag) Tag {
	for i := range t {
		t[i] |= o[i]
	}
	return t
}

// AndNot returns the bits of t that are not in o.
func (t Tag) AndNot(o Tag) Tag {
	for i := range t {
		t[i] &^= o[i]
	}
	return t
}

// IsZero reports whether no flag is set.
func (t Tag) IsZero() bool { return t == Tag{} }

// SubsetOf reports whether every bit of t is also set in o.
func (t Tag) SubsetOf(o Tag) bool { return t.AndNot(o).IsZero() }

// Names lists the set bits, using flag names where known.
func (t Tag) Names() []string {
	byBit := make(map[uint]string, len(tagNames))
	for name, bit := range tagNames {
		byBit[bit] = name
	}
	var out []string
	for bit := uint(0); bit < 256; bit++ {
		if !t.Has(bit) {
			continue
		}
		if name, ok := byBit[bit]; ok {
			out = append(out, name)
		} else {
			out = append(out, fmt.Sprintf("bit%d", bit))
		}
	}
	sort.Strings(out)
	return out
}

func (t Tag) String() string { return "0x" + hex.EncodeToString(t[:]) }

func (t Tag) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tag) UnmarshalText(b []byte) error {
	parsed, err := ParseTag(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func describeTag(t Tag) string {
	if t.IsZero() {
		return "none"
	}
	if t == AllTags {
		return "any"
	}
	return strings.Join(t.Names(), ",")
}
