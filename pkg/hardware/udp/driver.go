// Package udp carries radio frames over IPv4 multicast so that several nodes
// on one host or LAN share a simulated channel.
package udp

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/busybox42/loramesher/internal/logging"
	"github.com/busybox42/loramesher/pkg/hardware"
)

const DefaultGroup = "239.42.77.1:47701"

var errBadEnvelope = errors.New("malformed datagram")

type Config struct {
	// Group is the multicast group and port, host:port.
	Group string
	// Interface names the interface used to join the group. Empty lets the
	// kernel choose.
	Interface string
	// ID overrides the random hardware id.
	ID []byte
}

type Driver struct {
	conn  *ipv4.PacketConn
	group *net.UDPAddr
	id    []byte
	log   logrus.FieldLogger

	mu     sync.Mutex
	closed bool
	buf    []byte
}

var _ hardware.Driver = (*Driver)(nil)

func Open(cfg Config, log logrus.FieldLogger) (*Driver, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group.IP)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", cfg.Interface, err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddr}
	c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		c.Close()
		return nil, fmt.Errorf("join group %s: %w", group.IP, err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			c.Close()
			return nil, fmt.Errorf("multicast interface: %w", err)
		}
	}
	// Other nodes on this host must hear us, echoes of our own frames are
	// filtered by id.
	if err := p.SetMulticastLoopback(true); err != nil {
		c.Close()
		return nil, fmt.Errorf("multicast loopback: %w", err)
	}
	if err := p.SetMulticastTTL(1); err != nil {
		c.Close()
		return nil, fmt.Errorf("multicast ttl: %w", err)
	}

	id := cfg.ID
	if len(id) == 0 {
		id = make([]byte, 6)
		if _, err := rand.Read(id); err != nil {
			c.Close()
			return nil, fmt.Errorf("generate id: %w", err)
		}
	}
	if len(id) > 255 {
		c.Close()
		return nil, errors.New("hardware id longer than 255 bytes")
	}

	d := &Driver{
		conn:  p,
		group: group,
		id:    append([]byte(nil), id...),
		log:   logging.OrDiscard(log).WithField("group", group.String()),
		buf:   make([]byte, 1+255+hardware.MaxFrameSize),
	}
	d.log.Info("Joined multicast group")
	return d, nil
}

func (d *Driver) Configure(radio hardware.RadioConfig, pins hardware.PinConfig) error {
	if err := radio.Validate(); err != nil {
		return err
	}
	return pins.Validate()
}

func (d *Driver) Tx(frame []byte) error {
	if len(frame) > hardware.MaxFrameSize {
		return hardware.ErrFrameTooLarge
	}
	if _, err := d.conn.WriteTo(encodeEnvelope(d.id, frame), nil, d.group); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return hardware.ErrClosed
		}
		return err
	}
	return nil
}

func (d *Driver) Rx(timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, hardware.ErrClosed
	}

	if err := d.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	for {
		n, _, src, err := d.conn.ReadFrom(d.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, hardware.ErrRxTimeout
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, hardware.ErrClosed
			}
			return nil, err
		}
		sender, frame, err := decodeEnvelope(d.buf[:n])
		if err != nil {
			d.log.WithField("src", src).Debug("Dropping malformed datagram")
			continue
		}
		if bytes.Equal(sender, d.id) {
			continue
		}
		return append([]byte(nil), frame...), nil
	}
}

func (d *Driver) HardwareID() ([]byte, error) {
	return append([]byte(nil), d.id...), nil
}

func (d *Driver) Close() error {
	err := d.conn.Close()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}

// Datagram layout: idLen(1) id(idLen) frame.
func encodeEnvelope(id, frame []byte) []byte {
	out := make([]byte, 0, 1+len(id)+len(frame))
	out = append(out, byte(len(id)))
	out = append(out, id...)
	return append(out, frame...)
}

func decodeEnvelope(b []byte) (id, frame []byte, err error) {
	if len(b) < 1 {
		return nil, nil, errBadEnvelope
	}
	n := int(b[0])
	if len(b) < 1+n {
		return nil, nil, errBadEnvelope
	}
	return b[1 : 1+n], b[1+n:], nil
}
