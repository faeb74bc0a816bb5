package loramesh

import (
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/loramesher/pkg/metrics"
	"github.com/busybox42/loramesher/pkg/protocol"
	"github.com/busybox42/loramesher/pkg/routing"
	"github.com/busybox42/loramesher/pkg/slot"
	"github.com/busybox42/loramesher/pkg/types"
)

// run is the protocol task. It is the only writer of the routing table, the
// slot table and the transmit queue while the protocol is running.
func (p *Protocol) run(rt *routing.Table, inbound <-chan []byte, sends <-chan *sendRequest,
	stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	hello := p.newTicker(p.cfg.HelloInterval)
	defer hello.Stop()
	sweep := p.newTicker(p.cfg.RouteTimeout / 3)
	defer sweep.Stop()
	tick := p.newTicker(p.cfg.SlotDuration / 2)
	defer tick.Stop()

	self := rt.Self()
	p.queueHello(rt, time.Now())
	p.flush(self, time.Now())

	for {
		select {
		case <-stop:
			return
		case raw := <-inbound:
			p.handleFrame(rt, raw)
		case req := <-sends:
			req.result <- p.handleSend(rt, req)
		case now := <-hello.Chan():
			p.queueHello(rt, now)
		case now := <-sweep.Chan():
			p.sweep(rt, now)
		case <-tick.Chan():
		}
		p.flush(self, time.Now())
	}
}

func (p *Protocol) nextSeq() uint16 {
	p.seq++
	return p.seq
}

func (p *Protocol) enqueue(f *protocol.Frame) error {
	if len(p.pending) >= p.cfg.QueueLength {
		return ErrQueueFull
	}
	raw, err := f.Serialize()
	if err != nil {
		return err
	}
	p.pending = append(p.pending, outbound{frameType: f.Type, nextHop: f.NextHop, raw: raw})
	return nil
}

// flush transmits queued frames while the current slot is ours, at most
// MaxFramesPerSlot per slot.
func (p *Protocol) flush(self types.Address, now time.Time) {
	if len(p.pending) == 0 {
		return
	}
	cur := p.slots.CurrentSlot(now)
	if cur.Owner != self || cur.Responsibility != slot.Transmit {
		return
	}

	n := p.slots.SlotNumber(now)
	if n != p.txSlot {
		p.txSlot = n
		p.txCount = 0
	}

	for len(p.pending) > 0 && p.txCount < p.cfg.MaxFramesPerSlot {
		out := p.pending[0]
		p.pending[0] = outbound{}
		p.pending = p.pending[1:]
		p.txCount++

		if err := p.hw.Transmit(out.nextHop, out.raw); err != nil {
			p.log.WithError(err).WithField("next_hop", out.nextHop).Warn("Transmit failed")
			p.metrics.FramesDropped.WithLabelValues(metrics.DropTxError).Inc()
			continue
		}
		p.metrics.FramesSent.WithLabelValues(out.frameType.String()).Inc()
	}
}

func (p *Protocol) queueHello(rt *routing.Table, now time.Time) {
	var entries []protocol.HelloEntry
	for _, rec := range rt.Snapshot() {
		if rec.State != routing.Active || int(rec.HopCount) >= p.cfg.MaxHops {
			continue
		}
		if now.Sub(rec.LastRefreshed) > rt.Timeout() {
			continue
		}
		entries = append(entries, protocol.HelloEntry{Address: rec.Destination, Hops: rec.HopCount})
	}
	// Nearest destinations first when the radio cannot carry them all.
	if limit := protocol.HelloCapacity(p.maxPayload()); len(entries) > limit {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Hops < entries[j].Hops })
		p.log.WithFields(logrus.Fields{"routes": len(entries), "advertised": limit}).Debug("Hello truncated")
		entries = entries[:limit]
	}

	self := rt.Self()
	f := &protocol.Frame{
		Type:        protocol.HelloFrame,
		Source:      self,
		Destination: types.Broadcast,
		Sender:      self,
		NextHop:     types.Broadcast,
		HopsLeft:    1,
		Seq:         p.nextSeq(),
		Payload:     protocol.EncodeHello(entries),
	}
	if err := p.enqueue(f); err != nil {
		p.log.WithError(err).Debug("Hello not queued")
		return
	}
	p.log.WithField("routes", len(entries)).Trace("Hello queued")
}

func (p *Protocol) handleFrame(rt *routing.Table, raw []byte) {
	f, err := protocol.DeserializeFrame(raw)
	if err != nil {
		p.log.WithError(err).Debug("Dropping malformed frame")
		p.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	if f.Sender == rt.Self() {
		return
	}
	p.metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()

	switch f.Type {
	case protocol.HelloFrame:
		p.handleHello(rt, f)
	case protocol.DataFrame:
		p.handleData(rt, f)
	default:
		p.metrics.FramesDropped.WithLabelValues(metrics.DropNotForUs).Inc()
	}
}

func (p *Protocol) handleHello(rt *routing.Table, f *protocol.Frame) {
	sender := f.Sender
	if sender.IsReserved() {
		p.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	entries, err := protocol.DecodeHello(f.Payload)
	if err != nil {
		p.log.WithError(err).WithField("sender", sender).Debug("Dropping malformed hello")
		p.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}

	now := time.Now()
	prev, ok := rt.Lookup(sender)
	known := ok && prev.HopCount == 1
	p.upsert(rt, routing.Record{Destination: sender, NextHop: sender, HopCount: 1, LastRefreshed: now})
	if !known {
		p.log.WithField("neighbor", sender).Info("Neighbor discovered")
	}
	p.slots.AssignSlot(sender, slot.Listen)

	for _, e := range entries {
		if e.Address == rt.Self() || e.Address == sender || e.Address.IsReserved() {
			continue
		}
		hops := int(e.Hops) + 1
		if hops > p.cfg.MaxHops {
			continue
		}
		p.upsert(rt, routing.Record{Destination: e.Address, NextHop: sender, HopCount: uint8(hops), LastRefreshed: now})
	}
	p.updateGauges(rt)
}

func (p *Protocol) upsert(rt *routing.Table, rec routing.Record) {
	changed, err := rt.Upsert(rec)
	if err != nil {
		if errors.Is(err, routing.ErrTableFull) {
			p.log.WithField("destination", rec.Destination).Debug("Routing table full")
		}
		return
	}
	if changed {
		p.log.WithFields(logrus.Fields{
			"destination": rec.Destination,
			"via":         rec.NextHop,
			"hops":        rec.HopCount,
		}).Trace("Route updated")
	}
}

func (p *Protocol) handleData(rt *routing.Table, f *protocol.Frame) {
	self := rt.Self()
	if !f.AddressedTo(self) {
		p.metrics.FramesDropped.WithLabelValues(metrics.DropNotForUs).Inc()
		return
	}

	if f.Destination == self || f.Destination == types.Broadcast {
		if p.dedupe.Seen(f.Source, f.Seq) {
			p.metrics.FramesDropped.WithLabelValues(metrics.DropDuplicate).Inc()
			return
		}
		p.deliver(f.Source, f.Payload)
		return
	}

	entry := p.log.WithFields(logrus.Fields{"source": f.Source, "destination": f.Destination})
	if f.HopsLeft <= 1 {
		entry.Debug("Hop limit reached, dropping frame")
		p.metrics.FramesDropped.WithLabelValues(metrics.DropHopLimit).Inc()
		return
	}
	rec, ok := rt.Lookup(f.Destination)
	if !ok {
		entry.Debug("No route, dropping frame")
		p.metrics.FramesDropped.WithLabelValues(metrics.DropNoRoute).Inc()
		return
	}

	fwd := *f
	fwd.Sender = self
	fwd.NextHop = rec.NextHop
	fwd.HopsLeft = f.HopsLeft - 1
	if err := p.enqueue(&fwd); err != nil {
		entry.WithError(err).Debug("Forward not queued")
		p.metrics.FramesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
		return
	}
	p.metrics.Forwarded.Inc()
}

func (p *Protocol) deliver(source types.Address, payload []byte) {
	p.mu.RLock()
	cb := p.onData
	p.mu.RUnlock()

	p.metrics.Delivered.Inc()
	if cb != nil {
		cb(source, payload)
	}
}

func (p *Protocol) handleSend(rt *routing.Table, req *sendRequest) error {
	self := rt.Self()
	nextHop := types.Broadcast
	hops := uint8(1)
	if req.dest != types.Broadcast {
		rec, ok := rt.Lookup(req.dest)
		if !ok {
			return ErrNoRoute
		}
		nextHop = rec.NextHop
		hops = uint8(p.cfg.MaxHops)
	}

	return p.enqueue(&protocol.Frame{
		Type:        protocol.DataFrame,
		Source:      self,
		Destination: req.dest,
		Sender:      self,
		NextHop:     nextHop,
		HopsLeft:    hops,
		Seq:         p.nextSeq(),
		Payload:     req.payload,
	})
}

// sweep evicts stale routes. A neighbor that went silent also takes every
// route through it and its slot with it.
func (p *Protocol) sweep(rt *routing.Table, now time.Time) {
	for _, rec := range rt.EvictExpired(now) {
		p.log.WithFields(logrus.Fields{
			"destination": rec.Destination,
			"via":         rec.NextHop,
			"hops":        rec.HopCount,
		}).Info("Route expired")

		if rec.NextHop != rec.Destination {
			continue
		}
		for _, via := range rt.RemoveVia(rec.Destination) {
			p.log.WithFields(logrus.Fields{
				"destination": via.Destination,
				"via":         via.NextHop,
			}).Info("Route lost with neighbor")
		}
		p.slots.Release(rec.Destination)
	}
	p.dedupe.Sweep()
	p.updateGauges(rt)
}

func (p *Protocol) updateGauges(rt *routing.Table) {
	p.metrics.Routes.Set(float64(rt.Len()))
	p.metrics.Neighbors.Set(float64(len(rt.Neighbors())))
}
