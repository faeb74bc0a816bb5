// Package pingpong is a diagnostic protocol that checks radio connectivity
// without any routing: it pings a peer, waits for the echo and records the
// round-trip time.
package pingpong

import (
	"context"
	"encoding/binary"
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
	ErrNotRunning      = errors.New("protocol not running")
	ErrInvalidAddress  = errors.New("invalid destination address")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrQueueFull       = errors.New("transmit queue full")
)

type Stats struct {
	Sent     uint64
	Received uint64
	Timeouts uint64
	LastRTT  time.Duration
}

type Status struct {
	Address types.Address
	State   types.ProtocolState
	Stats   Stats
	Uptime  time.Duration
}

type Option func(*Protocol)

func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Protocol) { p.log = logging.OrDiscard(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Protocol) { p.metrics = metrics.OrNew(m) }
}

func WithHardwareAddressing(on bool) Option {
	return func(p *Protocol) { p.useHardwareID = on }
}

func WithTickers(f periodic.Factory) Option {
	return func(p *Protocol) { p.newTicker = f }
}

type sendRequest struct {
	dest    types.Address
	payload []byte
	result  chan error
}

type outstanding struct {
	seq    uint16
	sentAt time.Time
}

type Protocol struct {
	cfg           Config
	hw            hardware.Manager
	log           logrus.FieldLogger
	metrics       *metrics.Metrics
	useHardwareID bool
	newTicker     periodic.Factory
	dedupe        *store.Dedupe

	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     types.ProtocolState
	addr      types.Address
	onData    types.DataCallback
	stats     Stats
	startedAt time.Time
	sends     chan *sendRequest
	stop      chan struct{}
	done      chan struct{}

	// owned by the running task
	seq     uint16
	waiting *outstanding
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
		dedupe:    store.NewDedupe(4 * cfg.Interval),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithField("protocol", types.PingPong.String())
	return p, nil
}

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

	p.waiting = nil
	p.dedupe.Flush()

	sends := make(chan *sendRequest, p.cfg.QueueLength)
	stop := make(chan struct{})
	done := make(chan struct{})

	p.mu.Lock()
	p.addr = addr
	p.sends = sends
	p.stop = stop
	p.done = done
	p.startedAt = time.Now()
	p.state = types.StateRunning
	p.mu.Unlock()

	go p.run(addr, inbound, sends, stop, done)

	p.log.WithFields(logrus.Fields{"address": addr, "peer": p.cfg.peer()}).Info("PingPong started")
	return nil
}

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

	p.log.WithField("address", p.NodeAddress()).Info("PingPong stopped")
}

// Send transmits payload to dest in a single hop.
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

	req := &sendRequest{dest: dest, payload: append([]byte(nil), payload...), result: make(chan error, 1)}
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

func (p *Protocol) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Routes is always empty, PingPong keeps no routing table.
func (p *Protocol) Routes() []routing.Record {
	return []routing.Record{}
}

// Slots is always empty, PingPong transmits without a schedule.
func (p *Protocol) Slots() []slot.Entry {
	return []slot.Entry{}
}

func (p *Protocol) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Status{Address: p.addr, State: p.state, Stats: p.stats}
	if p.state == types.StateRunning {
		st.Uptime = time.Since(p.startedAt)
	}
	return st
}

func (p *Protocol) run(self types.Address, inbound <-chan []byte, sends <-chan *sendRequest,
	stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	pings := p.newTicker(p.cfg.Interval)
	defer pings.Stop()

	timeout := time.NewTimer(p.cfg.Timeout)
	timeout.Stop()
	defer timeout.Stop()

	if p.ping(self) {
		timeout.Reset(p.cfg.Timeout)
	}

	for {
		select {
		case <-stop:
			return
		case raw := <-inbound:
			p.handleFrame(self, raw, timeout)
		case req := <-sends:
			req.result <- p.transmit(&protocol.Frame{
				Type:        protocol.DataFrame,
				Source:      self,
				Destination: req.dest,
				Sender:      self,
				NextHop:     req.dest,
				HopsLeft:    1,
				Seq:         p.nextSeq(),
				Payload:     req.payload,
			})
		case <-pings.Chan():
			p.dedupe.Sweep()
			if p.waiting == nil && p.ping(self) {
				timeout.Reset(p.cfg.Timeout)
			}
		case <-timeout.C:
			if p.waiting == nil {
				continue
			}
			p.log.WithFields(logrus.Fields{"seq": p.waiting.seq, "peer": p.cfg.peer()}).Debug("Ping timed out")
			p.waiting = nil
			p.metrics.PingTimeouts.Inc()
			p.mu.Lock()
			p.stats.Timeouts++
			p.mu.Unlock()
		}
	}
}

func (p *Protocol) nextSeq() uint16 {
	p.seq++
	return p.seq
}

func (p *Protocol) ping(self types.Address) bool {
	now := time.Now()
	payload := make([]byte, stampSize+len(p.cfg.Payload))
	binary.BigEndian.PutUint64(payload, uint64(now.UnixNano()))
	copy(payload[stampSize:], p.cfg.Payload)

	peer := p.cfg.peer()
	seq := p.nextSeq()
	err := p.transmit(&protocol.Frame{
		Type:        protocol.PingFrame,
		Source:      self,
		Destination: peer,
		Sender:      self,
		NextHop:     peer,
		HopsLeft:    1,
		Seq:         seq,
		Payload:     payload,
	})
	if err != nil {
		p.log.WithError(err).Warn("Ping not sent")
		return false
	}

	p.waiting = &outstanding{seq: seq, sentAt: now}
	p.mu.Lock()
	p.stats.Sent++
	p.mu.Unlock()
	return true
}

func (p *Protocol) transmit(f *protocol.Frame) error {
	raw, err := f.Serialize()
	if err != nil {
		return err
	}
	if err := p.hw.Transmit(f.NextHop, raw); err != nil {
		p.metrics.FramesDropped.WithLabelValues(metrics.DropTxError).Inc()
		return err
	}
	p.metrics.FramesSent.WithLabelValues(f.Type.String()).Inc()
	return nil
}

func (p *Protocol) handleFrame(self types.Address, raw []byte, timeout *time.Timer) {
	f, err := protocol.DeserializeFrame(raw)
	if err != nil {
		p.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	if f.Sender == self {
		return
	}
	if f.Destination != self && f.Destination != types.Broadcast {
		p.metrics.FramesDropped.WithLabelValues(metrics.DropNotForUs).Inc()
		return
	}
	p.metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()

	switch f.Type {
	case protocol.PingFrame:
		err := p.transmit(&protocol.Frame{
			Type:        protocol.PongFrame,
			Source:      self,
			Destination: f.Source,
			Sender:      self,
			NextHop:     f.Source,
			HopsLeft:    1,
			Seq:         f.Seq,
			Payload:     f.Payload,
		})
		if err != nil {
			p.log.WithError(err).WithField("peer", f.Source).Warn("Pong not sent")
		}

	case protocol.PongFrame:
		w := p.waiting
		if w == nil || f.Seq != w.seq {
			p.metrics.FramesDropped.WithLabelValues(metrics.DropDuplicate).Inc()
			return
		}
		rtt := time.Since(w.sentAt)
		p.waiting = nil
		timeout.Stop()

		p.metrics.PingRTT.Observe(rtt.Seconds())
		p.mu.Lock()
		p.stats.Received++
		p.stats.LastRTT = rtt
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{"peer": f.Source, "rtt": rtt}).Debug("Pong received")

	case protocol.DataFrame:
		if p.dedupe.Seen(f.Source, f.Seq) {
			p.metrics.FramesDropped.WithLabelValues(metrics.DropDuplicate).Inc()
			return
		}
		p.mu.RLock()
		cb := p.onData
		p.mu.RUnlock()
		p.metrics.Delivered.Inc()
		if cb != nil {
			cb(f.Source, f.Payload)
		}

	default:
		p.metrics.FramesDropped.WithLabelValues(metrics.DropNotForUs).Inc()
	}
}
