package loramesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/busybox42/loramesher/pkg/address"
	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/hardware/hardwaretest"
	"github.com/busybox42/loramesher/pkg/hardware/stub"
	"github.com/busybox42/loramesher/pkg/metrics"
	"github.com/busybox42/loramesher/pkg/protocol"
	"github.com/busybox42/loramesher/pkg/slot"
	"github.com/busybox42/loramesher/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	return Config{
		HelloInterval:    30 * time.Millisecond,
		RouteTimeout:     150 * time.Millisecond,
		MaxHops:          5,
		SlotDuration:     5 * time.Millisecond,
		SlotCount:        4,
		MaxFramesPerSlot: 8,
		MaxRoutes:        64,
		QueueLength:      64,
	}
}

type node struct {
	*Protocol
	drv     *stub.Driver
	metrics *metrics.Metrics
	rx      chan delivery
}

type delivery struct {
	source  types.Address
	payload []byte
}

func newNode(t *testing.T, drv *stub.Driver, addr types.Address, opts ...Option) *node {
	t.Helper()

	hw := hardware.NewManager(drv, hardware.DefaultRadioConfig(), hardware.DefaultPinConfig(), nil)
	cfg := testConfig()
	cfg.NodeAddress = addr

	m := metrics.New(nil)
	p, err := New(cfg, hw, append([]Option{WithMetrics(m)}, opts...)...)
	require.NoError(t, err)

	n := &node{Protocol: p, drv: drv, metrics: m, rx: make(chan delivery, 16)}
	p.SetDataCallback(func(src types.Address, payload []byte) {
		n.rx <- delivery{source: src, payload: payload}
	})
	t.Cleanup(func() {
		p.Stop()
		hw.Close()
	})
	return n
}

func serialize(t *testing.T, f *protocol.Frame) []byte {
	t.Helper()
	raw, err := f.Serialize()
	require.NoError(t, err)
	return raw
}

func hello(sender types.Address, entries ...protocol.HelloEntry) *protocol.Frame {
	return &protocol.Frame{
		Type:        protocol.HelloFrame,
		Source:      sender,
		Destination: types.Broadcast,
		Sender:      sender,
		NextHop:     types.Broadcast,
		HopsLeft:    1,
		Seq:         1,
		Payload:     protocol.EncodeHello(entries),
	}
}

func sentData(t *testing.T, drv *stub.Driver) []*protocol.Frame {
	t.Helper()
	var out []*protocol.Frame
	for _, raw := range drv.TxLog() {
		f, err := protocol.DeserializeFrame(raw)
		require.NoError(t, err)
		if f.Type == protocol.DataFrame {
			out = append(out, f)
		}
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := map[string]func(*Config){
		"short route timeout": func(c *Config) { c.RouteTimeout = c.HelloInterval },
		"zero hello":          func(c *Config) { c.HelloInterval = 0 },
		"zero hops":           func(c *Config) { c.MaxHops = 0 },
		"too many hops":       func(c *Config) { c.MaxHops = 256 },
		"broadcast address":   func(c *Config) { c.NodeAddress = types.Broadcast },
		"no slots":            func(c *Config) { c.SlotCount = 0 },
		"zero slot duration":  func(c *Config) { c.SlotDuration = 0 },
		"sub-tick slot":       func(c *Config) { c.SlotDuration = time.Millisecond },
		"nanosecond timers":   func(c *Config) { c.HelloInterval, c.RouteTimeout = time.Nanosecond, 2*time.Nanosecond },
		"short route tick":    func(c *Config) { c.HelloInterval, c.RouteTimeout = time.Millisecond, 2*time.Millisecond },
		"no frames per slot":  func(c *Config) { c.MaxFramesPerSlot = 0 },
		"negative max routes": func(c *Config) { c.MaxRoutes = -1 },
		"no queue":            func(c *Config) { c.QueueLength = 0 },
	}
	for name, modify := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)
		})
	}
}

func TestLifecycle(t *testing.T) {
	n := newNode(t, stub.New(), 0)

	n.Stop()
	assert.Equal(t, types.StateStopped, n.State())
	assert.Equal(t, types.Unassigned, n.NodeAddress())

	require.NoError(t, n.Start())
	addr := n.NodeAddress()
	assert.NotEqual(t, types.Unassigned, addr)
	assert.False(t, addr.IsReserved())
	assert.Equal(t, types.StateRunning, n.State())

	require.NoError(t, n.Start())
	assert.Equal(t, addr, n.NodeAddress())

	n.Stop()
	n.Stop()
	assert.Equal(t, types.StateStopped, n.State())
	for _, e := range n.Slots() {
		assert.Equal(t, types.Unassigned, e.Owner)
	}

	require.NoError(t, n.Start())
	assert.Equal(t, addr, n.NodeAddress())
	assert.Equal(t, types.StateRunning, n.Status().State)
}

func TestExplicitAddressWins(t *testing.T) {
	n := newNode(t, stub.New(), 0x1234, WithHardwareAddressing(true))
	assert.Equal(t, types.Unassigned, n.NodeAddress())
	assert.Equal(t, types.Unassigned, n.Status().Address)
	require.NoError(t, n.Start())
	assert.Equal(t, types.Address(0x1234), n.NodeAddress())
}

func TestHardwareAddressing(t *testing.T) {
	id := []byte{0x24, 0x0A, 0xC4, 0x01, 0x02, 0x03}
	n := newNode(t, stub.NewWithID(id), 0, WithHardwareAddressing(true))
	require.NoError(t, n.Start())

	want, err := address.FromHardwareID(id)
	require.NoError(t, err)
	assert.Equal(t, want, n.NodeAddress())
}

func TestHardwareIDFailureFallsBack(t *testing.T) {
	logger, hook := test.NewNullLogger()

	hw := &hardwaretest.MockManager{}
	hw.On("HardwareID").Return(nil, errors.New("no eFuse"))
	hw.On("Register", mock.Anything).Return(nil)
	hw.On("Unregister").Return()
	hw.On("Transmit", mock.Anything, mock.Anything).Return(nil).Maybe()

	p, err := New(testConfig(), hw, WithHardwareAddressing(true), WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	assert.False(t, p.NodeAddress().IsReserved())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Hardware id unavailable, using a random address", hook.AllEntries()[0].Message)
	hw.AssertCalled(t, "HardwareID")
}

func TestRegisterFailure(t *testing.T) {
	hw := &hardwaretest.MockManager{}
	hw.On("Register", mock.Anything).Return(errors.New("radio busy")).Once()

	p, err := New(testConfig(), hw)
	require.NoError(t, err)

	err = p.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radio busy")
	assert.Equal(t, types.StateStopped, p.State())
	assert.Equal(t, types.Unassigned, p.NodeAddress())

	p.Stop()
	hw.AssertNotCalled(t, "Unregister")

	hw.On("Register", mock.Anything).Return(nil)
	hw.On("Unregister").Return()
	hw.On("Transmit", mock.Anything, mock.Anything).Return(nil).Maybe()
	require.NoError(t, p.Start())
	assert.NotEqual(t, types.Unassigned, p.NodeAddress())
	p.Stop()
	hw.AssertNumberOfCalls(t, "Unregister", 1)
}

func TestSendErrors(t *testing.T) {
	n := newNode(t, stub.New(), 0x000A)
	ctx := context.Background()

	assert.ErrorIs(t, n.Send(ctx, 0x000B, []byte("x")), ErrNotRunning)

	require.NoError(t, n.Start())
	assert.ErrorIs(t, n.Send(ctx, types.Unassigned, []byte("x")), ErrInvalidAddress)
	assert.ErrorIs(t, n.Send(ctx, 0x000A, []byte("x")), ErrInvalidAddress)
	assert.ErrorIs(t, n.Send(ctx, 0x000B, make([]byte, protocol.MaxPayloadSize+1)), ErrPayloadTooLarge)
	assert.ErrorIs(t, n.Send(ctx, 0x000B, []byte("x")), ErrNoRoute)
}

func TestIntrospectionAfterStart(t *testing.T) {
	n := newNode(t, stub.New(), 0x000A)
	require.NoError(t, n.Start())

	assert.Empty(t, n.Routes())
	assert.Empty(t, n.Neighbors())
	slots := n.Slots()
	require.Len(t, slots, testConfig().SlotCount)

	owned := 0
	for _, e := range slots {
		if e.Owner == 0x000A {
			owned++
		}
	}
	assert.Equal(t, 1, owned)

	st := n.Status()
	assert.Equal(t, types.Address(0x000A), st.Address)
	assert.Zero(t, st.Routes)
}

func TestHelloBuildsRoutes(t *testing.T) {
	drv := stub.New()
	n := newNode(t, drv, 0x000B)
	require.NoError(t, n.Start())

	drv.InjectRx(serialize(t, hello(0x000C,
		protocol.HelloEntry{Address: 0x000D, Hops: 5}, // one hop too many
		protocol.HelloEntry{Address: 0x000E, Hops: 4},
		protocol.HelloEntry{Address: 0x000B, Hops: 1}, // ourselves
	)))

	require.Eventually(t, func() bool {
		_, ok := n.Route(0x000E)
		return ok
	}, time.Second, 2*time.Millisecond)

	rec, ok := n.Route(0x000C)
	require.True(t, ok)
	assert.EqualValues(t, 1, rec.HopCount)

	rec, _ = n.Route(0x000E)
	assert.EqualValues(t, 5, rec.HopCount)
	assert.Equal(t, types.Address(0x000C), rec.NextHop)

	_, ok = n.Route(0x000D)
	assert.False(t, ok)
	assert.Equal(t, []types.Address{0x000C}, n.Neighbors())

	slotOf, ok := n.slots.SlotOf(0x000C)
	assert.True(t, ok)
	assert.Equal(t, types.Address(0x000C), n.Slots()[slotOf].Owner)
}

func TestRouteExpiresWithLog(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	drv := stub.New()
	n := newNode(t, drv, 0x000B, WithLogger(logger))
	require.NoError(t, n.Start())

	drv.InjectRx(serialize(t, hello(0x000C, protocol.HelloEntry{Address: 0x000F, Hops: 1})))
	require.Eventually(t, func() bool { return len(n.Routes()) == 2 }, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool { return len(n.Routes()) == 0 }, 2*time.Second, 5*time.Millisecond)

	var expired []types.Address
	for _, e := range hook.AllEntries() {
		if e.Message == "Route expired" {
			expired = append(expired, e.Data["destination"].(types.Address))
		}
	}
	assert.ElementsMatch(t, []types.Address{0x000C, 0x000F}, expired)

	_, ok := n.slots.SlotOf(0x000C)
	assert.False(t, ok, "slot of a lost neighbor is released")
	assert.Zero(t, testutil.ToFloat64(n.metrics.Routes))
}

func TestHopLimitedFrameIsDropped(t *testing.T) {
	drv := stub.New()
	n := newNode(t, drv, 0x000B)
	require.NoError(t, n.Start())

	drv.InjectRx(serialize(t, hello(0x000C)))
	require.Eventually(t, func() bool {
		_, ok := n.Route(0x000C)
		return ok
	}, time.Second, 2*time.Millisecond)

	data := &protocol.Frame{
		Type:        protocol.DataFrame,
		Source:      0x000A,
		Destination: 0x000C,
		Sender:      0x000A,
		NextHop:     0x000B,
		HopsLeft:    1,
		Seq:         7,
		Payload:     []byte("relay me"),
	}
	drv.InjectRx(serialize(t, data))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(n.metrics.FramesDropped.WithLabelValues(metrics.DropHopLimit)) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, sentData(t, drv))

	data.HopsLeft = 3
	data.Seq = 8
	drv.InjectRx(serialize(t, data))
	require.Eventually(t, func() bool { return len(sentData(t, drv)) == 1 }, time.Second, 2*time.Millisecond)

	fwd := sentData(t, drv)[0]
	assert.Equal(t, types.Address(0x000A), fwd.Source)
	assert.Equal(t, types.Address(0x000C), fwd.Destination)
	assert.Equal(t, types.Address(0x000B), fwd.Sender)
	assert.Equal(t, types.Address(0x000C), fwd.NextHop)
	assert.EqualValues(t, 2, fwd.HopsLeft)
	assert.Equal(t, []byte("relay me"), fwd.Payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.Forwarded))
}

func TestFramesForOthersAreIgnored(t *testing.T) {
	drv := stub.New()
	n := newNode(t, drv, 0x000B)
	require.NoError(t, n.Start())

	drv.InjectRx(serialize(t, &protocol.Frame{
		Type: protocol.DataFrame, Source: 0x000A, Destination: 0x000C,
		Sender: 0x000A, NextHop: 0x000D, HopsLeft: 3, Seq: 1,
	}))
	drv.InjectRx([]byte{0xFF, 0x00})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(n.metrics.FramesDropped.WithLabelValues(metrics.DropNotForUs)) == 1 &&
			testutil.ToFloat64(n.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed)) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, sentData(t, drv))
}

func TestDuplicateDataDeliveredOnce(t *testing.T) {
	drv := stub.New()
	n := newNode(t, drv, 0x000B)
	require.NoError(t, n.Start())

	raw := serialize(t, &protocol.Frame{
		Type: protocol.DataFrame, Source: 0x000A, Destination: 0x000B,
		Sender: 0x000C, NextHop: 0x000B, HopsLeft: 2, Seq: 99, Payload: []byte("once"),
	})
	drv.InjectRx(raw)
	drv.InjectRx(raw)

	select {
	case d := <-n.rx:
		assert.Equal(t, types.Address(0x000A), d.source)
		assert.Equal(t, []byte("once"), d.payload)
	case <-time.After(time.Second):
		t.Fatal("payload not delivered")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(n.metrics.FramesDropped.WithLabelValues(metrics.DropDuplicate)) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Len(t, n.rx, 0)
}

func TestFlushOnlyInOwnSlot(t *testing.T) {
	hw := &hardwaretest.MockManager{}
	hw.On("Transmit", types.Broadcast, mock.Anything).Return(nil)

	cfg := testConfig()
	cfg.MaxFramesPerSlot = 2
	p, err := New(cfg, hw)
	require.NoError(t, err)

	self := types.Address(0x0042)
	own := p.slots.AssignSlot(self, slot.Transmit)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.enqueue(hello(self)))
	}
	p.txSlot = -1

	at := func(slotNumber int) time.Time {
		return time.Unix(0, int64(slotNumber)*int64(cfg.SlotDuration))
	}
	other := (own + 1) % cfg.SlotCount

	p.flush(self, at(cfg.SlotCount*10+other))
	hw.AssertNumberOfCalls(t, "Transmit", 0)

	p.flush(self, at(cfg.SlotCount*10+own))
	hw.AssertNumberOfCalls(t, "Transmit", 2)

	// still the same slot, budget spent
	p.flush(self, at(cfg.SlotCount*10+own).Add(cfg.SlotDuration/2))
	hw.AssertNumberOfCalls(t, "Transmit", 2)

	p.flush(self, at(cfg.SlotCount*11+own))
	hw.AssertNumberOfCalls(t, "Transmit", 3)
	assert.Empty(t, p.pending)
}
