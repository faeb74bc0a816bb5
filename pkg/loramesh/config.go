package loramesh

import (
	"time"

	"github.com/busybox42/loramesher/pkg/types"
)

// minTick is the shortest period of any protocol timer. The sweep runs every
// RouteTimeout/3 and the slot check every SlotDuration/2.
const minTick = time.Millisecond

// Config tunes one LoRaMesh instance.
type Config struct {
	// NodeAddress overrides address allocation when non-zero.
	NodeAddress   types.Address
	HelloInterval time.Duration
	// RouteTimeout must be at least twice HelloInterval.
	RouteTimeout time.Duration
	MaxHops      int

	SlotDuration     time.Duration
	SlotCount        int
	MaxFramesPerSlot int
	// MaxRoutes caps the routing table, 0 means unbounded.
	MaxRoutes   int
	QueueLength int
}

func DefaultConfig() Config {
	return Config{
		HelloInterval:    60 * time.Second,
		RouteTimeout:     180 * time.Second,
		MaxHops:          10,
		SlotDuration:     100 * time.Millisecond,
		SlotCount:        16,
		MaxFramesPerSlot: 4,
		MaxRoutes:        256,
		QueueLength:      32,
	}
}

func (c Config) Validate() error {
	switch {
	case c.NodeAddress == types.Broadcast:
		return types.NewConfigError("loramesh.node_address", c.NodeAddress, "broadcast address cannot be assigned")
	case c.HelloInterval < minTick:
		return types.NewConfigError("loramesh.hello_interval", c.HelloInterval, "must be at least "+minTick.String())
	case c.RouteTimeout < 2*c.HelloInterval:
		return types.NewConfigError("loramesh.route_timeout", c.RouteTimeout, "must be at least twice the hello interval")
	case c.RouteTimeout < 3*minTick:
		return types.NewConfigError("loramesh.route_timeout", c.RouteTimeout, "must be at least "+(3*minTick).String())
	case c.MaxHops < 1 || c.MaxHops > 255:
		return types.NewConfigError("loramesh.max_hops", c.MaxHops, "must be between 1 and 255")
	case c.SlotDuration < 2*minTick:
		return types.NewConfigError("loramesh.slot_duration", c.SlotDuration, "must be at least "+(2*minTick).String())
	case c.SlotCount < 1:
		return types.NewConfigError("loramesh.slot_count", c.SlotCount, "must be at least 1")
	case c.MaxFramesPerSlot < 1:
		return types.NewConfigError("loramesh.max_frames_per_slot", c.MaxFramesPerSlot, "must be at least 1")
	case c.MaxRoutes < 0:
		return types.NewConfigError("loramesh.max_routes", c.MaxRoutes, "must not be negative")
	case c.QueueLength < 1:
		return types.NewConfigError("loramesh.queue_length", c.QueueLength, "must be at least 1")
	}
	return nil
}
