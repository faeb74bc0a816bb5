package stub

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/busybox42/loramesher/pkg/hardware"
)

// Driver is an in-memory radio for host-side testing. Transmitted frames are
// logged and, when the driver is attached to a Medium, delivered to the other
// drivers on it.
type Driver struct {
	mu     sync.Mutex
	rxBuf  ringBuffer
	txBuf  ringBuffer
	id     []byte
	medium *Medium
	closed bool

	configured bool
	radio      hardware.RadioConfig
}

var _ hardware.Driver = (*Driver)(nil)

// New returns a standalone driver with a random hardware id.
func New() *Driver {
	id := make([]byte, 6)
	_, _ = rand.Read(id)
	return NewWithID(id)
}

func NewWithID(id []byte) *Driver {
	cp := make([]byte, len(id))
	copy(cp, id)
	return &Driver{id: cp}
}

func (d *Driver) Configure(radio hardware.RadioConfig, pins hardware.PinConfig) error {
	if err := radio.Validate(); err != nil {
		return err
	}
	if err := pins.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configured = true
	d.radio = radio
	return nil
}

// Configured reports whether Configure succeeded at least once.
func (d *Driver) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configured
}

func (d *Driver) Tx(data []byte) error {
	if len(data) > hardware.MaxFrameSize {
		return hardware.ErrFrameTooLarge
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return hardware.ErrClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	d.txBuf.push(frame)
	m := d.medium
	d.mu.Unlock()

	if m != nil {
		m.deliver(d, frame)
	}
	return nil
}

func (d *Driver) Rx(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, hardware.ErrClosed
		}
		frame, ok := d.rxBuf.pop()
		d.mu.Unlock()
		if ok {
			out := make([]byte, len(frame))
			copy(out, frame)
			return out, nil
		}

		if time.Now().After(deadline) {
			return nil, hardware.ErrRxTimeout
		}
		time.Sleep(1 * time.Millisecond)
	}
}

func (d *Driver) HardwareID() ([]byte, error) {
	out := make([]byte, len(d.id))
	copy(out, d.id)
	return out, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	m := d.medium
	d.medium = nil
	d.mu.Unlock()

	if m != nil {
		m.detach(d)
	}
	return nil
}

// InjectRx queues a frame as if it had been received over the air.
func (d *Driver) InjectRx(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	d.rxBuf.push(frame)
}

// TxLog returns copies of the most recent transmitted frames, oldest first.
func (d *Driver) TxLog() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txBuf.snapshot()
}

func (d *Driver) ClearTxLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txBuf = ringBuffer{}
}

const ringCapacity = 64

type ringBuffer struct {
	data       [ringCapacity][]byte
	head, tail int // head = next pop, tail = next push
	count      int
}

func (rb *ringBuffer) push(frame []byte) {
	if rb.count == ringCapacity {
		// drop the oldest
		rb.data[rb.tail] = nil
		rb.head = (rb.head + 1) % ringCapacity
		rb.count--
	}
	rb.data[rb.tail] = frame
	rb.tail = (rb.tail + 1) % ringCapacity
	rb.count++
}

func (rb *ringBuffer) pop() ([]byte, bool) {
	if rb.count == 0 {
		return nil, false
	}
	frame := rb.data[rb.head]
	rb.data[rb.head] = nil
	rb.head = (rb.head + 1) % ringCapacity
	rb.count--
	return frame, true
}

func (rb *ringBuffer) snapshot() [][]byte {
	out := make([][]byte, 0, rb.count)
	i := rb.head
	for c := 0; c < rb.count; c++ {
		p := rb.data[i]
		cp := make([]byte, len(p))
		copy(cp, p)
		out = append(out, cp)
		i = (i + 1) % ringCapacity
	}
	return out
}
