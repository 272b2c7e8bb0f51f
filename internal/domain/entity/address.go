package entity

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is an opaque 20-byte chain identifier, always compared and stored
// in canonical lower-hex form.
type Address [20]byte

// ZeroAddress is the empty/placeholder address.
var ZeroAddress Address

// ParseAddress parses a hex string (with or without 0x prefix, any case)
// into a canonical Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 40 {
		return a, fmt.Errorf("address %q: expected 40 hex chars, got %d", s, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

// FromCommon converts a go-ethereum common.Address into an Address.
func FromCommon(c common.Address) Address {
	var a Address
	copy(a[:], c[:])
	return a
}

// Common converts the Address back to a go-ethereum common.Address, the
// type the chain client boundary deals in.
func (a Address) Common() common.Address {
	return common.Address(a)
}

// String renders the canonical lower-hex form: "0x" + 40 lowercase hex chars.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether this is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// Equal reports whether two addresses are the same.
func (a Address) Equal(other Address) bool {
	return a == other
}

// Less reports whether a sorts lexicographically before other, used for the
// leading-reserve tiebreak (invariant 4).
func (a Address) Less(other Address) bool {
	for i := range a {
		if a[i] != other[i] {
			return a[i] < other[i]
		}
	}
	return false
}
