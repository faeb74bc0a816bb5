package rylr

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/loramesh"
	"github.com/busybox42/loramesher/pkg/types"
)

// fakeModem answers AT commands on one end of a pipe.
type fakeModem struct {
	conn net.Conn

	mu       sync.Mutex
	commands []string
	failOn   string
}

func newFakeModem(t *testing.T) (*fakeModem, *Driver) {
	t.Helper()
	host, dev := net.Pipe()
	m := &fakeModem{conn: dev}
	go m.serve()
	d := New(host, Config{Device: "pipe", NetworkID: 6}, nil)
	t.Cleanup(func() {
		d.Close()
		dev.Close()
	})
	return m, d
}

func (m *fakeModem) serve() {
	r := bufio.NewReader(m.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)

		m.mu.Lock()
		m.commands = append(m.commands, cmd)
		fail := m.failOn != "" && strings.HasPrefix(cmd, m.failOn)
		m.mu.Unlock()

		reply := "+OK"
		switch {
		case fail:
			reply = "+ERR=4"
		case cmd == "AT+UID?":
			reply = "+UID=000500010000000000000000"
		}
		if _, err := fmt.Fprintf(m.conn, "%s\r\n", reply); err != nil {
			return
		}
	}
}

func (m *fakeModem) receive(frame []byte) error {
	data := base64.StdEncoding.EncodeToString(frame)
	_, err := fmt.Fprintf(m.conn, "+RCV=120,%d,%s,-40,11\r\n", len(data), data)
	return err
}

func (m *fakeModem) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func TestConfigureSendsParameters(t *testing.T) {
	m, d := newFakeModem(t)

	require.NoError(t, d.Configure(hardware.DefaultRadioConfig(), hardware.DefaultPinConfig()))
	assert.Equal(t, []string{
		"AT",
		"AT+NETWORKID=6",
		"AT+BAND=869900000",
		"AT+PARAMETER=7,7,3,7",
		"AT+CRFOP=6",
	}, m.sent())
}

func TestConfigureModemError(t *testing.T) {
	m, d := newFakeModem(t)
	m.mu.Lock()
	m.failOn = "AT+BAND"
	m.mu.Unlock()

	err := d.Configure(hardware.DefaultRadioConfig(), hardware.DefaultPinConfig())
	assert.ErrorIs(t, err, ErrModem)
}

func TestConfigureRejectsSF6(t *testing.T) {
	_, d := newFakeModem(t)
	radio := hardware.DefaultRadioConfig()
	radio.SpreadingFactor = 6
	err := d.Configure(radio, hardware.DefaultPinConfig())
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestTxEncodesFrame(t *testing.T) {
	m, d := newFakeModem(t)

	require.NoError(t, d.Tx([]byte{0x01, 0x02, 0xFF}))
	assert.Equal(t, []string{"AT+SEND=0,4,AQL/"}, m.sent())

	assert.ErrorIs(t, d.Tx(make([]byte, MaxFrameSize+1)), hardware.ErrFrameTooLarge)
}

func TestMeshSendRespectsModemLimit(t *testing.T) {
	m, d := newFakeModem(t)
	hw := hardware.NewManager(d, hardware.DefaultRadioConfig(), hardware.DefaultPinConfig(), nil)
	assert.Equal(t, MaxFrameSize, hw.MaxFrameSize())

	cfg := loramesh.DefaultConfig()
	cfg.NodeAddress = 0x0A01
	cfg.SlotDuration = 5 * time.Millisecond
	cfg.SlotCount = 1
	p, err := loramesh.New(cfg, hw)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		p.Stop()
		hw.Close()
	})

	ctx := context.Background()
	assert.ErrorIs(t, p.Send(ctx, types.Broadcast, make([]byte, 200)), loramesh.ErrPayloadTooLarge)
	require.NoError(t, p.Send(ctx, types.Broadcast, make([]byte, 100)))

	// 14 header bytes plus 100 payload bytes, base64 encoded.
	want := fmt.Sprintf("AT+SEND=0,%d,", base64.StdEncoding.EncodedLen(114))
	require.Eventually(t, func() bool {
		for _, cmd := range m.sent() {
			if strings.HasPrefix(cmd, want) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRxDecodesReception(t *testing.T) {
	m, d := newFakeModem(t)

	_, err := d.Rx(5 * time.Millisecond)
	assert.ErrorIs(t, err, hardware.ErrRxTimeout)

	go m.receive([]byte("mesh"))
	got, err := d.Rx(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("mesh"), got)
}

func TestHardwareIDCached(t *testing.T) {
	m, d := newFakeModem(t)

	id, err := d.HardwareID()
	require.NoError(t, err)
	assert.Equal(t, []byte("000500010000000000000000"), id)

	_, err = d.HardwareID()
	require.NoError(t, err)
	assert.Len(t, m.sent(), 1)
}

func TestClosedDriver(t *testing.T) {
	_, d := newFakeModem(t)
	require.NoError(t, d.Close())

	_, err := d.Rx(time.Millisecond)
	assert.ErrorIs(t, err, hardware.ErrClosed)
	_, err = d.Command("AT")
	assert.ErrorIs(t, err, hardware.ErrClosed)
}

func TestParseReceive(t *testing.T) {
	tests := []struct {
		line    string
		want    []byte
		wantErr bool
	}{
		{line: "+RCV=50,4,AQL/,-99,40", want: []byte{1, 2, 0xFF}},
		{line: "+RCV=50,4,AQL/", wantErr: true},
		{line: "+RCV=50,5,AQL/,-99,40", wantErr: true},
		{line: "+RCV=50,x,AQL/,-99,40", wantErr: true},
		{line: "+RCV=50,4,!!!!,-99,40", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseReceive(tt.line)
		if tt.wantErr {
			assert.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got)
	}
}
