package mesher

import (
	"github.com/sirupsen/logrus"

	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/loramesh"
	"github.com/busybox42/loramesher/pkg/metrics"
	"github.com/busybox42/loramesher/pkg/pingpong"
	"github.com/busybox42/loramesher/pkg/types"
)

// Builder assembles a Config step by step. Unset parts keep the values of
// DefaultConfig.
type Builder struct {
	cfg  Config
	opts []Option
}

func NewBuilder() *Builder {
	return &Builder{cfg: DefaultConfig()}
}

func (b *Builder) WithRadioConfig(r hardware.RadioConfig) *Builder {
	b.cfg.Radio = r
	return b
}

func (b *Builder) WithPinConfig(p hardware.PinConfig) *Builder {
	b.cfg.Pins = p
	return b
}

func (b *Builder) WithLoRaMeshProtocol(c loramesh.Config) *Builder {
	b.cfg.Protocol = types.LoRaMesh
	b.cfg.LoRaMesh = c
	return b
}

func (b *Builder) WithPingPongProtocol(c pingpong.Config) *Builder {
	b.cfg.Protocol = types.PingPong
	b.cfg.PingPong = c
	return b
}

func (b *Builder) WithNodeAddress(addr types.Address) *Builder {
	b.cfg.NodeAddress = addr
	return b
}

func (b *Builder) WithAutoAddressFromHardware(on bool) *Builder {
	b.cfg.UseHardwareID = on
	return b
}

func (b *Builder) WithHardwareManager(m hardware.Manager) *Builder {
	b.opts = append(b.opts, WithHardwareManager(m))
	return b
}

func (b *Builder) WithDriver(d hardware.Driver) *Builder {
	b.opts = append(b.opts, WithDriver(d))
	return b
}

func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.opts = append(b.opts, WithLogger(log))
	return b
}

func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.opts = append(b.opts, WithMetrics(m))
	return b
}

// Config returns the configuration built so far.
func (b *Builder) Config() Config {
	return b.cfg
}

// Build validates the configuration and returns a stopped Mesher. An invalid
// configuration yields an error matching types.ErrInvalidConfig and no
// Mesher.
func (b *Builder) Build() (*Mesher, error) {
	return New(b.cfg, b.opts...)
}
