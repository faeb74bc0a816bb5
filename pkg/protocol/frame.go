package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/busybox42/loramesher/pkg/types"
)

type FrameType uint8

const (
	HelloFrame FrameType = iota + 1
	DataFrame
	PingFrame
	PongFrame
)

func (t FrameType) String() string {
	switch t {
	case HelloFrame:
		return "hello"
	case DataFrame:
		return "data"
	case PingFrame:
		return "ping"
	case PongFrame:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame layout, big-endian:
//
//	+---------+------+--------+------+--------+---------+----------+-----+-----+-----------+
//	| Version | Type | Source | Dest | Sender | NextHop | HopsLeft | Seq | Len |  Payload  |
//	+---------+------+--------+------+--------+---------+----------+-----+-----+-----------+
//	| 1 byte  |  1   |   2    |  2   |   2    |    2    |    1     |  2  |  1  | 0-241     |
//	+---------+------+--------+------+--------+---------+----------+-----+-----+-----------+
//
// Source and Dest are the end points; Sender and NextHop are the link-level
// transmitter and receiver of this hop.
const (
	Version         = 1
	HeaderSize      = 14
	MaxFrameSize    = 255
	MaxPayloadSize  = MaxFrameSize - HeaderSize
	helloEntrySize  = 3
	MaxHelloEntries = (MaxPayloadSize - 1) / helloEntrySize
)

var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrBadVersion      = errors.New("unsupported frame version")
	ErrUnknownType     = errors.New("unknown frame type")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrLengthMismatch  = errors.New("frame length mismatch")
)

type Frame struct {
	Type        FrameType
	Source      types.Address
	Destination types.Address
	Sender      types.Address
	NextHop     types.Address
	HopsLeft    uint8
	Seq         uint16
	Payload     []byte
}

func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Payload)))
	buf.WriteByte(Version)
	buf.WriteByte(byte(f.Type))

	header := []interface{}{
		uint16(f.Source),
		uint16(f.Destination),
		uint16(f.Sender),
		uint16(f.NextHop),
		f.HopsLeft,
		f.Seq,
		uint8(len(f.Payload)),
	}
	for _, v := range header {
		if err := binary.Write(buf, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("failed to write frame header: %w", err)
		}
	}

	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, data[0])
	}

	r := bytes.NewReader(data[1:])
	f := &Frame{}

	var raw struct {
		Type        uint8
		Source      uint16
		Destination uint16
		Sender      uint16
		NextHop     uint16
		HopsLeft    uint8
		Seq         uint16
		Len         uint8
	}
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	f.Type = FrameType(raw.Type)
	switch f.Type {
	case HelloFrame, DataFrame, PingFrame, PongFrame:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, raw.Type)
	}

	f.Source = types.Address(raw.Source)
	f.Destination = types.Address(raw.Destination)
	f.Sender = types.Address(raw.Sender)
	f.NextHop = types.Address(raw.NextHop)
	f.HopsLeft = raw.HopsLeft
	f.Seq = raw.Seq

	if r.Len() != int(raw.Len) {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, raw.Len, r.Len())
	}
	f.Payload = make([]byte, raw.Len)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	return f, nil
}

// AddressedTo reports whether the link-level receiver of f is addr.
func (f *Frame) AddressedTo(addr types.Address) bool {
	return f.NextHop == addr || f.NextHop == types.Broadcast
}
