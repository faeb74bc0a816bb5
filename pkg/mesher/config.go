package mesher

import (
	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/loramesh"
	"github.com/busybox42/loramesher/pkg/pingpong"
	"github.com/busybox42/loramesher/pkg/types"
)

// Config is everything needed to build a Mesher. Only the protocol
// configuration matching Protocol is used.
type Config struct {
	Radio    hardware.RadioConfig
	Pins     hardware.PinConfig
	Protocol types.ProtocolType
	LoRaMesh loramesh.Config
	PingPong pingpong.Config

	// NodeAddress overrides the address in the protocol configuration.
	NodeAddress   types.Address
	UseHardwareID bool
}

func DefaultConfig() Config {
	return Config{
		Radio:         hardware.DefaultRadioConfig(),
		Pins:          hardware.DefaultPinConfig(),
		Protocol:      types.LoRaMesh,
		LoRaMesh:      loramesh.DefaultConfig(),
		PingPong:      pingpong.DefaultConfig(),
		UseHardwareID: true,
	}
}

// Validate checks pins first so a bad board description fails before the
// radio parameters are looked at.
func (c Config) Validate() error {
	if err := c.Pins.Validate(); err != nil {
		return err
	}
	if err := c.Radio.Validate(); err != nil {
		return err
	}
	if c.NodeAddress == types.Broadcast {
		return types.NewConfigError("node_address", c.NodeAddress, "broadcast address cannot be assigned")
	}

	switch c.Protocol {
	case types.LoRaMesh:
		return c.loraMeshConfig().Validate()
	case types.PingPong:
		return c.pingPongConfig().Validate()
	default:
		return types.NewConfigError("protocol", c.Protocol, "unknown protocol")
	}
}

func (c Config) loraMeshConfig() loramesh.Config {
	cfg := c.LoRaMesh
	if c.NodeAddress != types.Unassigned {
		cfg.NodeAddress = c.NodeAddress
	}
	return cfg
}

func (c Config) pingPongConfig() pingpong.Config {
	cfg := c.PingPong
	if c.NodeAddress != types.Unassigned {
		cfg.NodeAddress = c.NodeAddress
	}
	return cfg
}
