package hardware

import (
	"errors"
	"time"
)

// MaxFrameSize is the largest LoRa payload a single transmission carries.
const MaxFrameSize = 255

var (
	ErrRxTimeout         = errors.New("receive timed out")
	ErrClosed            = errors.New("radio closed")
	ErrAlreadyRegistered = errors.New("radio already has a receiver")
	ErrFrameTooLarge     = errors.New("frame exceeds radio limit")
)

// Driver wraps the basic operations of one radio chip or modem.
type Driver interface {
	Configure(radio RadioConfig, pins PinConfig) error
	Tx(frame []byte) error
	// Rx blocks until a frame arrives or timeout elapses, in which case it
	// returns ErrRxTimeout.
	Rx(timeout time.Duration) ([]byte, error)
	HardwareID() ([]byte, error)
	Close() error
}

// FrameLimiter is implemented by drivers that carry less than MaxFrameSize
// bytes per transmission.
type FrameLimiter interface {
	MaxFrameSize() int
}

// FrameLimit returns the largest frame d can transmit.
func FrameLimit(d Driver) int {
	if l, ok := d.(FrameLimiter); ok && l.MaxFrameSize() > 0 && l.MaxFrameSize() < MaxFrameSize {
		return l.MaxFrameSize()
	}
	return MaxFrameSize
}
