package stub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/loramesher/pkg/hardware"
)

func TestRxTimeout(t *testing.T) {
	d := New()
	start := time.Now()
	_, err := d.Rx(10 * time.Millisecond)
	assert.ErrorIs(t, err, hardware.ErrRxTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestInjectAndReceive(t *testing.T) {
	d := New()
	d.InjectRx([]byte{0xAA})
	got, err := d.Rx(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA}, got)
}

func TestRingBufferDropsOldest(t *testing.T) {
	var rb ringBuffer
	for i := 0; i < ringCapacity+3; i++ {
		rb.push([]byte{byte(i)})
	}
	snap := rb.snapshot()
	require.Len(t, snap, ringCapacity)
	assert.Equal(t, []byte{3}, snap[0])
	assert.Equal(t, []byte{byte(ringCapacity + 2)}, snap[len(snap)-1])
}

func TestHardwareIDsDiffer(t *testing.T) {
	a, _ := New().HardwareID()
	b, _ := New().HardwareID()
	assert.Len(t, a, 6)
	assert.NotEqual(t, a, b)
}

func TestMediumDelivers(t *testing.T) {
	m := NewMedium()
	a, b, c := m.NewDriver(), m.NewDriver(), m.NewDriver()

	require.NoError(t, a.Tx([]byte("ping")))

	for _, d := range []*Driver{b, c} {
		got, err := d.Rx(10 * time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), got)
	}
	_, err := a.Rx(time.Millisecond)
	assert.ErrorIs(t, err, hardware.ErrRxTimeout, "sender must not hear itself")
}

func TestMediumLineFilter(t *testing.T) {
	m := NewMedium()
	a, b, c := m.NewDriver(), m.NewDriver(), m.NewDriver()
	m.SetLinkFilter(Line(a, b, c))

	require.NoError(t, a.Tx([]byte{1}))
	_, err := b.Rx(10 * time.Millisecond)
	require.NoError(t, err)
	_, err = c.Rx(time.Millisecond)
	assert.ErrorIs(t, err, hardware.ErrRxTimeout)
}

func TestClosedDriver(t *testing.T) {
	m := NewMedium()
	a, b := m.NewDriver(), m.NewDriver()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Tx([]byte{1}), hardware.ErrClosed)
	_, err := b.Rx(time.Millisecond)
	assert.ErrorIs(t, err, hardware.ErrClosed)

	require.NoError(t, a.Tx([]byte{1}))
	assert.Len(t, a.TxLog(), 1)
}
