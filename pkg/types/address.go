// pkg/types/address.go
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies a node on the mesh.
type Address uint16

const (
	// Unassigned marks a node that has not been given an address yet.
	Unassigned Address = 0
	// Broadcast reaches every node in radio range.
	Broadcast Address = 0xFFFF
)

// IsReserved reports whether a is one of the addresses no node may own.
func (a Address) IsReserved() bool {
	return a == Unassigned || a == Broadcast
}

func (a Address) String() string {
	return fmt.Sprintf("0x%04X", uint16(a))
}

// ParseAddress accepts decimal or 0x-prefixed hexadecimal notation.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return Unassigned, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

// DataCallback receives application payloads addressed to this node.
type DataCallback func(source Address, payload []byte)
