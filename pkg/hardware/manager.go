package hardware

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/loramesher/internal/logging"
	"github.com/busybox42/loramesher/pkg/types"
)

const (
	rxPollTimeout = 50 * time.Millisecond
	rxRetryDelay  = 100 * time.Millisecond
)

// ReceiveHandler is called from the receive pump for every raw frame.
type ReceiveHandler func(frame []byte)

// Manager is the radio as seen by a protocol. At most one handler is
// registered at a time.
type Manager interface {
	Register(h ReceiveHandler) error
	Unregister()
	Transmit(nextHop types.Address, frame []byte) error
	HardwareID() ([]byte, error)
	// MaxFrameSize is the largest frame Transmit accepts.
	MaxFrameSize() int
	RadioConfig() RadioConfig
	PinConfig() PinConfig
	Close() error
}

// RadioManager drives a Driver: it configures the radio on first use, runs a
// receive pump while a handler is registered and serializes transmissions.
type RadioManager struct {
	driver Driver
	radio  RadioConfig
	pins   PinConfig
	log    logrus.FieldLogger

	txMu sync.Mutex

	mu         sync.Mutex
	configured bool
	closed     bool
	handler    ReceiveHandler
	stop       chan struct{}
	done       chan struct{}
}

var _ Manager = (*RadioManager)(nil)

func NewManager(driver Driver, radio RadioConfig, pins PinConfig, log logrus.FieldLogger) *RadioManager {
	return &RadioManager{
		driver: driver,
		radio:  radio,
		pins:   pins,
		log:    logging.OrDiscard(log).WithField("radio", radio.Type.String()),
	}
}

func (m *RadioManager) Register(h ReceiveHandler) error {
	if h == nil {
		return errors.New("nil receive handler")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.handler != nil {
		return ErrAlreadyRegistered
	}
	if !m.configured {
		if err := m.driver.Configure(m.radio, m.pins); err != nil {
			return fmt.Errorf("configure radio: %w", err)
		}
		m.configured = true
		m.log.WithFields(logrus.Fields{
			"frequency": m.radio.Frequency,
			"sf":        m.radio.SpreadingFactor,
			"bandwidth": m.radio.Bandwidth,
		}).Info("Radio configured")
	}

	m.handler = h
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.receiveLoop(h, m.stop, m.done)
	return nil
}

// Unregister stops the receive pump and waits for it to exit.
func (m *RadioManager) Unregister() {
	m.mu.Lock()
	if m.handler == nil {
		m.mu.Unlock()
		return
	}
	stop, done := m.stop, m.done
	m.handler = nil
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *RadioManager) receiveLoop(h ReceiveHandler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, err := m.driver.Rx(rxPollTimeout)
		if err != nil {
			if errors.Is(err, ErrRxTimeout) {
				continue
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			m.log.WithError(err).Warn("Receive failed")
			select {
			case <-stop:
				return
			case <-time.After(rxRetryDelay):
			}
			continue
		}
		if len(frame) == 0 {
			continue
		}
		h(frame)
	}
}

func (m *RadioManager) Transmit(nextHop types.Address, frame []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if limit := FrameLimit(m.driver); len(frame) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(frame), limit)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := m.driver.Tx(frame); err != nil {
		return fmt.Errorf("transmit to %s: %w", nextHop, err)
	}
	m.log.WithFields(logrus.Fields{"next_hop": nextHop, "bytes": len(frame)}).Trace("Frame transmitted")
	return nil
}

func (m *RadioManager) HardwareID() ([]byte, error) {
	return m.driver.HardwareID()
}

func (m *RadioManager) MaxFrameSize() int { return FrameLimit(m.driver) }

func (m *RadioManager) RadioConfig() RadioConfig { return m.radio }
func (m *RadioManager) PinConfig() PinConfig     { return m.pins }

// Close unregisters any handler and releases the driver.
func (m *RadioManager) Close() error {
	m.Unregister()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.driver.Close()
}
