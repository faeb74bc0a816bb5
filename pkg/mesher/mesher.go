// Package mesher is the entry point of the library: it owns the radio and
// exactly one protocol instance and exposes a uniform lifecycle and data API
// over them.
package mesher

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/loramesher/internal/logging"
	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/hardware/stub"
	"github.com/busybox42/loramesher/pkg/loramesh"
	"github.com/busybox42/loramesher/pkg/metrics"
	"github.com/busybox42/loramesher/pkg/pingpong"
	"github.com/busybox42/loramesher/pkg/routing"
	"github.com/busybox42/loramesher/pkg/slot"
	"github.com/busybox42/loramesher/pkg/types"
)

// NetworkStatus summarizes the node for monitoring.
type NetworkStatus struct {
	NodeAddress  types.Address
	ActiveRoutes int
	Neighbors    int
	Protocol     types.ProtocolType
	State        types.ProtocolState
	Uptime       time.Duration
}

type Option func(*options)

type options struct {
	manager hardware.Manager
	driver  hardware.Driver
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// WithHardwareManager uses m instead of building a manager around a driver.
// The caller keeps ownership of m.
func WithHardwareManager(m hardware.Manager) Option {
	return func(o *options) { o.manager = m }
}

// WithDriver selects the radio driver. The default is an in-memory stub.
func WithDriver(d hardware.Driver) Option {
	return func(o *options) { o.driver = d }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// runner is the lifecycle and data surface both protocols share.
type runner interface {
	Start() error
	Stop()
	Send(ctx context.Context, dest types.Address, payload []byte) error
	SetDataCallback(cb types.DataCallback)
	NodeAddress() types.Address
	State() types.ProtocolState
	Routes() []routing.Record
	Slots() []slot.Entry
}

var (
	_ runner = (*loramesh.Protocol)(nil)
	_ runner = (*pingpong.Protocol)(nil)
)

type Mesher struct {
	cfg    Config
	hw     hardware.Manager
	ownsHW bool
	log    logrus.FieldLogger

	// exactly one is set
	mesh *loramesh.Protocol
	ping *pingpong.Protocol
}

// New validates cfg and assembles a stopped Mesher. Nothing touches the
// radio before Start.
func New(cfg Config, opts ...Option) (*Mesher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.OrDiscard(o.log)
	m := metrics.OrNew(o.metrics)

	hw, owns := o.manager, false
	if hw == nil {
		drv := o.driver
		if drv == nil {
			drv = stub.New()
		}
		hw, owns = hardware.NewManager(drv, cfg.Radio, cfg.Pins, log), true
	}

	me := &Mesher{cfg: cfg, hw: hw, ownsHW: owns, log: log}

	var err error
	switch cfg.Protocol {
	case types.LoRaMesh:
		me.mesh, err = loramesh.New(cfg.loraMeshConfig(), hw,
			loramesh.WithLogger(log),
			loramesh.WithMetrics(m),
			loramesh.WithHardwareAddressing(cfg.UseHardwareID))
	case types.PingPong:
		me.ping, err = pingpong.New(cfg.pingPongConfig(), hw,
			pingpong.WithLogger(log),
			pingpong.WithMetrics(m),
			pingpong.WithHardwareAddressing(cfg.UseHardwareID))
	}
	if err != nil {
		return nil, fmt.Errorf("create %s protocol: %w", cfg.Protocol, err)
	}
	return me, nil
}

func (m *Mesher) active() runner {
	if m.mesh != nil {
		return m.mesh
	}
	return m.ping
}

// Start brings the protocol up. Calling it while running succeeds without
// side effects.
func (m *Mesher) Start() error {
	if err := m.active().Start(); err != nil {
		return fmt.Errorf("start %s: %w", m.cfg.Protocol, err)
	}
	return nil
}

// Stop never fails, also when the Mesher was never started.
func (m *Mesher) Stop() {
	m.active().Stop()
}

// Close stops the protocol and releases the radio if the Mesher created it.
func (m *Mesher) Close() error {
	m.Stop()
	if m.ownsHW {
		return m.hw.Close()
	}
	return nil
}

// NodeAddress is Unassigned until the first successful Start.
func (m *Mesher) NodeAddress() types.Address {
	return m.active().NodeAddress()
}

func (m *Mesher) Send(ctx context.Context, dest types.Address, data []byte) error {
	return m.active().Send(ctx, dest, data)
}

func (m *Mesher) SetDataCallback(cb types.DataCallback) {
	m.active().SetDataCallback(cb)
}

// RoutingTable returns a copy of the routes ordered by destination.
func (m *Mesher) RoutingTable() []routing.Record {
	return m.active().Routes()
}

func (m *Mesher) SlotTable() []slot.Entry {
	return m.active().Slots()
}

func (m *Mesher) NetworkStatus() NetworkStatus {
	st := NetworkStatus{Protocol: m.cfg.Protocol}
	switch {
	case m.mesh != nil:
		s := m.mesh.Status()
		st.NodeAddress, st.State, st.Uptime = s.Address, s.State, s.Uptime
		st.ActiveRoutes, st.Neighbors = s.Routes, s.Neighbors
	case m.ping != nil:
		s := m.ping.Status()
		st.NodeAddress, st.State, st.Uptime = s.Address, s.State, s.Uptime
	}
	return st
}

func (m *Mesher) ActiveProtocolType() types.ProtocolType {
	return m.cfg.Protocol
}

func (m *Mesher) HardwareManager() hardware.Manager {
	return m.hw
}

func (m *Mesher) LoRaMeshProtocol() (*loramesh.Protocol, bool) {
	return m.mesh, m.mesh != nil
}

func (m *Mesher) PingPongProtocol() (*pingpong.Protocol, bool) {
	return m.ping, m.ping != nil
}
