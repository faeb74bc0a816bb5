package pingpong

import (
	"time"

	"github.com/busybox42/loramesher/pkg/protocol"
	"github.com/busybox42/loramesher/pkg/types"
)

// timestamp prefix carried by every ping
const stampSize = 8

type Config struct {
	NodeAddress types.Address
	// Peer is the node pinged. Unassigned or Broadcast ping whoever answers.
	Peer        types.Address
	Interval    time.Duration
	Timeout     time.Duration
	Payload     []byte
	QueueLength int
}

func DefaultConfig() Config {
	return Config{
		Peer:        types.Broadcast,
		Interval:    5 * time.Second,
		Timeout:     2 * time.Second,
		Payload:     []byte("PING"),
		QueueLength: 16,
	}
}

func (c Config) Validate() error {
	switch {
	case c.NodeAddress == types.Broadcast:
		return types.NewConfigError("pingpong.node_address", c.NodeAddress, "broadcast address cannot be assigned")
	case c.Interval <= 0:
		return types.NewConfigError("pingpong.interval", c.Interval, "must be positive")
	case c.Timeout <= 0:
		return types.NewConfigError("pingpong.timeout", c.Timeout, "must be positive")
	case len(c.Payload)+stampSize > protocol.MaxPayloadSize:
		return types.NewConfigError("pingpong.payload", len(c.Payload), "ping payload does not fit in a frame")
	case c.QueueLength < 1:
		return types.NewConfigError("pingpong.queue_length", c.QueueLength, "must be at least 1")
	}
	return nil
}

func (c Config) peer() types.Address {
	if c.Peer == types.Unassigned {
		return types.Broadcast
	}
	return c.Peer
}
