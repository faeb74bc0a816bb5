// Package loramesh implements the multi-hop routing protocol: periodic Hello
// beacons build a distance-vector routing table, data frames are relayed hop
// by hop and every transmission waits for the node's own slot.
package loramesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/loramesher/internal/logging"
	"github.com/busybox42/loramesher/internal/periodic"
	"github.com/busybox42/loramesher/internal/store"
	"github.com/busybox42/loramesher/pkg/address"
	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/metrics"
	"github.com/busybox42/loramesher/pkg/protocol"
	"github.com/busybox42/loramesher/pkg/routing"
	"github.com/busybox42/loramesher/pkg/slot"
	"github.com/busybox42/loramesher/pkg/types"
)

var (
	ErrNoRoute         = errors.New("no route to destination")
	ErrNotRunning      = errors.New("protocol not running")
	ErrInvalidAddress  = errors.New("invalid destination address")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrQueueFull       = errors.New("transmit queue full")
)

// Status is a point-in-time summary of the node.
type Status struct {
	Address   types.Address
	State     types.ProtocolState
	Routes    int
	Neighbors int
	Uptime    time.Duration
}

type Option func(*Protocol)

func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Protocol) { p.log = logging.OrDiscard(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Protocol) { p.metrics = metrics.OrNew(m) }
}

// WithHardwareAddressing derives the node address from the radio's hardware
// id instead of drawing it at random.
func WithHardwareAddressing(on bool) Option {
	return func(p *Protocol) { p.useHardwareID = on }
}

// WithTickers replaces the tickers driving Hello, sweep and slot activity.
func WithTickers(f periodic.Factory) Option {
	return func(p *Protocol) { p.newTicker = f }
}

type sendRequest struct {
	dest    types.Address
	payload []byte
	result  chan error
}

type outbound struct {
	frameType protocol.FrameType
	nextHop   types.Address
	raw       []byte
}

type Protocol struct {
	cfg           Config
	hw            hardware.Manager
	log           logrus.FieldLogger
	metrics       *metrics.Metrics
	useHardwareID bool
	newTicker     periodic.Factory

	slots  *slot.Table
	dedupe *store.Dedupe

	// serializes Start and Stop
	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     types.ProtocolState
	addr      types.Address
	routes    *routing.Table
	onData    types.DataCallback
	startedAt time.Time
	sends     chan *sendRequest
	stop      chan struct{}
	done      chan struct{}

	// owned by the running task
	seq     uint16
	pending []outbound
	txSlot  int64
	txCount int
}

func New(cfg Config, hw hardware.Manager, opts ...Option) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hw == nil {
		return nil, errors.New("nil hardware manager")
	}

	p := &Protocol{
		cfg:       cfg,
		hw:        hw,
		log:       logging.Discard(),
		metrics:   metrics.New(nil),
		newTicker: periodic.NewTicker,
		slots:     slot.NewTable(cfg.SlotCount, cfg.SlotDuration),
		dedupe:    store.NewDedupe(cfg.RouteTimeout),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.routes = routing.NewTable(p.addr, cfg.RouteTimeout, cfg.MaxRoutes)
	p.log = p.log.WithField("protocol", types.LoRaMesh.String())
	return p, nil
}

// Start allocates the node address on first use, preferring the configured
// one, registers with the radio and launches the protocol task. The address
// is kept across restarts. Starting a running protocol is a no-op.
func (p *Protocol) Start() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.state == types.StateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = types.StateStarting
	addr := p.addr
	p.mu.Unlock()

	fail := func(err error) error {
		p.slots.Reset()
		p.mu.Lock()
		p.state = types.StateStopped
		p.mu.Unlock()
		return err
	}

	if addr == types.Unassigned {
		var err error
		addr, err = address.Allocate(p.cfg.NodeAddress, p.useHardwareID, address.LoggedSource(p.hw, p.log))
		if err != nil {
			return fail(fmt.Errorf("allocate address: %w", err))
		}
	}

	rt := routing.NewTable(addr, p.cfg.RouteTimeout, p.cfg.MaxRoutes)
	p.slots.Reset()
	p.slots.AssignSlot(addr, slot.Transmit)

	inbound := make(chan []byte, 2*p.cfg.QueueLength)
	handler := func(frame []byte) {
		select {
		case inbound <- frame:
		default:
			p.metrics.FramesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
		}
	}
	if err := p.hw.Register(handler); err != nil {
		return fail(fmt.Errorf("register with radio: %w", err))
	}

	p.pending = nil
	p.txSlot = -1
	p.txCount = 0
	p.dedupe.Flush()

	sends := make(chan *sendRequest, p.cfg.QueueLength)
	stop := make(chan struct{})
	done := make(chan struct{})

	p.mu.Lock()
	p.addr = addr
	p.routes = rt
	p.sends = sends
	p.stop = stop
	p.done = done
	p.startedAt = time.Now()
	p.state = types.StateRunning
	p.mu.Unlock()

	p.metrics.Routes.Set(0)
	p.metrics.Neighbors.Set(0)

	go p.run(rt, inbound, sends, stop, done)

	p.log.WithField("address", addr).Info("LoRaMesh started")
	return nil
}

// Stop halts the task and releases the radio. The routing table stays
// readable until the next Start. Stopping a stopped protocol is a no-op.
func (p *Protocol) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.state != types.StateRunning {
		p.mu.Unlock()
		return
	}
	stop, done := p.stop, p.done
	p.state = types.StateStopped
	p.sends = nil
	p.mu.Unlock()

	close(stop)
	<-done
	p.hw.Unregister()
	p.slots.Reset()

	p.log.WithField("address", p.NodeAddress()).Info("LoRaMesh stopped")
}

// Send queues payload for dest and returns once the protocol task accepted
// or rejected it. A missing route yields ErrNoRoute. Sending to
// types.Broadcast reaches direct neighbors only.
func (p *Protocol) Send(ctx context.Context, dest types.Address, payload []byte) error {
	if dest == types.Unassigned {
		return ErrInvalidAddress
	}
	if limit := p.maxPayload(); len(payload) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), limit)
	}

	p.mu.RLock()
	state, self, sends, stop := p.state, p.addr, p.sends, p.stop
	p.mu.RUnlock()

	if state != types.StateRunning {
		return ErrNotRunning
	}
	if dest == self {
		return ErrInvalidAddress
	}

	req := &sendRequest{
		dest:    dest,
		payload: append([]byte(nil), payload...),
		result:  make(chan error, 1),
	}
	select {
	case sends <- req:
	default:
		return ErrQueueFull
	}

	select {
	case err := <-req.result:
		return err
	case <-stop:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxPayload is the largest payload a single frame carries on this radio.
func (p *Protocol) maxPayload() int {
	n := p.hw.MaxFrameSize() - protocol.HeaderSize
	if n > protocol.MaxPayloadSize {
		n = protocol.MaxPayloadSize
	}
	return n
}

func (p *Protocol) SetDataCallback(cb types.DataCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onData = cb
}

func (p *Protocol) NodeAddress() types.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

func (p *Protocol) State() types.ProtocolState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Protocol) Config() Config {
	return p.cfg
}

func (p *Protocol) table() *routing.Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.routes
}

// Routes returns a copy of the routing table ordered by destination.
func (p *Protocol) Routes() []routing.Record {
	return p.table().Snapshot()
}

// Route returns the live route to dest.
func (p *Protocol) Route(dest types.Address) (routing.Record, bool) {
	return p.table().Lookup(dest)
}

func (p *Protocol) Neighbors() []types.Address {
	return p.table().Neighbors()
}

// Slots returns a copy of the slot schedule.
func (p *Protocol) Slots() []slot.Entry {
	return p.slots.Snapshot()
}

func (p *Protocol) Status() Status {
	p.mu.RLock()
	st := Status{Address: p.addr, State: p.state}
	rt := p.routes
	if p.state == types.StateRunning {
		st.Uptime = time.Since(p.startedAt)
	}
	p.mu.RUnlock()

	st.Routes = rt.ActiveCount(time.Now())
	st.Neighbors = len(rt.Neighbors())
	return st
}
