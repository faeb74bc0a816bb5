// Package rylr drives a UART attached LoRa modem that speaks the REYAX AT
// command set (RYLR896 and compatible).
package rylr

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/busybox42/loramesher/internal/logging"
	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/types"
)

const (
	DefaultBaudRate = 115200
	commandTimeout  = time.Second

	// The modem accepts at most 240 payload characters per AT+SEND and
	// frames are base64 encoded.
	MaxFrameSize = 180
)

var (
	ErrModem   = errors.New("modem error")
	ErrTimeout = errors.New("modem did not answer")
)

type Config struct {
	Device    string
	BaudRate  int
	NetworkID uint8
}

// Driver talks to the modem over any byte stream. Replies to commands and
// unsolicited +RCV lines are split by a single reader goroutine.
type Driver struct {
	port io.ReadWriteCloser
	cfg  Config
	log  logrus.FieldLogger

	cmdMu sync.Mutex
	resp  chan string
	rx    chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	idMu sync.Mutex
	id   []byte
}

var _ hardware.Driver = (*Driver)(nil)

// Open opens the serial device and attaches a driver to it.
func Open(cfg Config, log logrus.FieldLogger) (*Driver, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	port, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	return New(port, cfg, log), nil
}

func New(port io.ReadWriteCloser, cfg Config, log logrus.FieldLogger) *Driver {
	d := &Driver{
		port:   port,
		cfg:    cfg,
		log:    logging.OrDiscard(log).WithField("device", cfg.Device),
		resp:   make(chan string, 4),
		rx:     make(chan []byte, 32),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.readLoop()
	return d
}

func (d *Driver) readLoop() {
	defer close(d.done)

	r := bufio.NewReader(d.port)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			select {
			case <-d.closed:
			default:
				d.log.WithError(err).Warn("Serial read failed")
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "+RCV=") {
			frame, err := parseReceive(line)
			if err != nil {
				d.log.WithError(err).WithField("line", line).Debug("Dropping unparsable reception")
				continue
			}
			select {
			case d.rx <- frame:
			default:
				d.log.Warn("Receive queue full, dropping frame")
			}
			continue
		}

		select {
		case d.resp <- line:
		default:
			d.log.WithField("line", line).Debug("Unsolicited modem output")
		}
	}
}

// Command sends one AT command and returns the modem's reply line.
func (d *Driver) Command(cmd string) (string, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	select {
	case <-d.closed:
		return "", hardware.ErrClosed
	default:
	}

	// discard replies nobody waited for
	for len(d.resp) > 0 {
		<-d.resp
	}

	if _, err := io.WriteString(d.port, cmd+"\r\n"); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case line := <-d.resp:
		if strings.HasPrefix(line, "+ERR=") {
			return line, fmt.Errorf("%w: %s answered %s", ErrModem, cmd, line)
		}
		return line, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: %s", ErrTimeout, cmd)
	case <-d.closed:
		return "", hardware.ErrClosed
	}
}

func (d *Driver) Configure(radio hardware.RadioConfig, pins hardware.PinConfig) error {
	if err := radio.Validate(); err != nil {
		return err
	}
	params, err := parameterArgs(radio)
	if err != nil {
		return err
	}

	cmds := []string{
		"AT",
		fmt.Sprintf("AT+NETWORKID=%d", d.cfg.NetworkID),
		fmt.Sprintf("AT+BAND=%d", int64(math.Round(radio.Frequency*1e6))),
		"AT+PARAMETER=" + params,
		fmt.Sprintf("AT+CRFOP=%d", clamp(int(radio.Power), 0, 15)),
	}
	for _, c := range cmds {
		if _, err := d.Command(c); err != nil {
			return fmt.Errorf("configure modem: %w", err)
		}
	}
	d.log.WithField("parameter", params).Info("Modem configured")
	return nil
}

// parameterArgs renders AT+PARAMETER=<SF>,<BW index>,<CR>,<preamble>.
func parameterArgs(radio hardware.RadioConfig) (string, error) {
	if radio.Type == hardware.MockRadio {
		return "9,7,1,12", nil
	}
	if radio.SpreadingFactor < 7 || radio.SpreadingFactor > 12 {
		return "", types.NewConfigError("radio.spreading_factor", radio.SpreadingFactor,
			"modem supports SF7-SF12")
	}
	bw := -1
	for i, b := range modemBandwidths {
		if math.Abs(b-radio.Bandwidth) < 0.01 {
			bw = i
			break
		}
	}
	if bw < 0 {
		return "", types.NewConfigError("radio.bandwidth", radio.Bandwidth, "unsupported by modem")
	}
	cr := int(radio.CodingRate) - 4
	pp := clamp(int(radio.PreambleLength), 4, 7)
	return fmt.Sprintf("%d,%d,%d,%d", radio.SpreadingFactor, bw, cr, pp), nil
}

var modemBandwidths = []float64{7.8, 10.4, 15.6, 20.8, 31.25, 41.7, 62.5, 125, 250, 500}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MaxFrameSize reports the per-transmission limit of the AT+SEND command.
func (d *Driver) MaxFrameSize() int { return MaxFrameSize }

// Tx broadcasts the frame to modem address 0.
func (d *Driver) Tx(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return hardware.ErrFrameTooLarge
	}
	data := base64.StdEncoding.EncodeToString(frame)
	_, err := d.Command(fmt.Sprintf("AT+SEND=0,%d,%s", len(data), data))
	return err
}

func (d *Driver) Rx(timeout time.Duration) ([]byte, error) {
	select {
	case <-d.closed:
		return nil, hardware.ErrClosed
	case f := <-d.rx:
		return f, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-d.rx:
		return f, nil
	case <-timer.C:
		return nil, hardware.ErrRxTimeout
	case <-d.closed:
		return nil, hardware.ErrClosed
	}
}

// HardwareID returns the modem's unique id as reported by AT+UID?.
func (d *Driver) HardwareID() ([]byte, error) {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	if d.id != nil {
		return append([]byte(nil), d.id...), nil
	}

	line, err := d.Command("AT+UID?")
	if err != nil {
		return nil, err
	}
	uid, ok := strings.CutPrefix(line, "+UID=")
	if !ok || uid == "" {
		return nil, fmt.Errorf("%w: unexpected UID reply %q", ErrModem, line)
	}
	d.id = []byte(uid)
	return append([]byte(nil), d.id...), nil
}

func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.port.Close()
		<-d.done
	})
	return err
}

// parseReceive decodes +RCV=<addr>,<len>,<data>,<rssi>,<snr>.
func parseReceive(line string) ([]byte, error) {
	fields := strings.Split(strings.TrimPrefix(line, "+RCV="), ",")
	if len(fields) < 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("length: %w", err)
	}
	data := fields[2]
	if len(data) != n {
		return nil, fmt.Errorf("length %d does not match %d data bytes", n, len(data))
	}
	return base64.StdEncoding.DecodeString(data)
}
