package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/busybox42/loramesher/pkg/types"
)

// HelloEntry advertises a destination the sender can reach.
type HelloEntry struct {
	Address types.Address
	Hops    uint8
}

// EncodeHello packs entries into a Hello payload: a count byte followed by
// address(2) hops(1) per entry. Entries beyond MaxHelloEntries are left out.
func EncodeHello(entries []HelloEntry) []byte {
	if len(entries) > MaxHelloEntries {
		entries = entries[:MaxHelloEntries]
	}

	out := make([]byte, 1+len(entries)*helloEntrySize)
	out[0] = byte(len(entries))
	for i, e := range entries {
		off := 1 + i*helloEntrySize
		binary.BigEndian.PutUint16(out[off:], uint16(e.Address))
		out[off+2] = e.Hops
	}
	return out
}

// HelloCapacity is the number of entries that fit in a Hello payload of at
// most size bytes.
func HelloCapacity(size int) int {
	if size > MaxPayloadSize {
		size = MaxPayloadSize
	}
	if size < 1 {
		return 0
	}
	return (size - 1) / helloEntrySize
}

func DecodeHello(payload []byte) ([]HelloEntry, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty hello", ErrFrameTooShort)
	}

	count := int(payload[0])
	if len(payload) != 1+count*helloEntrySize {
		return nil, fmt.Errorf("%w: hello with %d entries has %d bytes", ErrLengthMismatch, count, len(payload))
	}

	entries := make([]HelloEntry, count)
	for i := range entries {
		off := 1 + i*helloEntrySize
		entries[i] = HelloEntry{
			Address: types.Address(binary.BigEndian.Uint16(payload[off:])),
			Hops:    payload[off+2],
		}
	}
	return entries, nil
}
