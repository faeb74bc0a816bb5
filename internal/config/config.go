// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/mesher"
	"github.com/busybox42/loramesher/pkg/types"
)

// Radio backends understood by the daemon.
const (
	BackendStub = "stub"
	BackendUDP  = "udp"
	BackendRYLR = "rylr"
)

// File is the on-disk layout of a node configuration.
type File struct {
	LogLevel string   `yaml:"log_level"`
	Radio    Radio    `yaml:"radio"`
	Pins     Pins     `yaml:"pins"`
	Node     Node     `yaml:"node"`
	Protocol Protocol `yaml:"protocol"`
	Metrics  Metrics  `yaml:"metrics"`
}

type Radio struct {
	Backend         string  `yaml:"backend"`
	Type            string  `yaml:"type"`
	Frequency       float64 `yaml:"frequency"`
	SpreadingFactor uint8   `yaml:"spreading_factor"`
	Bandwidth       float64 `yaml:"bandwidth"`
	CodingRate      uint8   `yaml:"coding_rate"`
	Power           int8    `yaml:"power"`
	SyncWord        uint8   `yaml:"sync_word"`
	CRC             bool    `yaml:"crc"`
	PreambleLength  uint16  `yaml:"preamble_length"`

	// rylr backend
	Device    string `yaml:"device"`
	BaudRate  int    `yaml:"baud_rate"`
	NetworkID uint8  `yaml:"network_id"`

	// udp backend
	Group     string `yaml:"group"`
	Interface string `yaml:"interface"`
}

type Pins struct {
	CS    int `yaml:"cs"`
	Reset int `yaml:"reset"`
	IRQ   int `yaml:"irq"`
	IO1   int `yaml:"io1"`
}

type Node struct {
	// Address is decimal or 0x-prefixed hex. Empty or 0 means automatic.
	Address         string `yaml:"address"`
	HardwareAddress bool   `yaml:"hardware_address"`
}

type Protocol struct {
	Type     string   `yaml:"type"`
	LoRaMesh LoRaMesh `yaml:"loramesh"`
	PingPong PingPong `yaml:"pingpong"`
}

type LoRaMesh struct {
	HelloInterval    time.Duration `yaml:"hello_interval"`
	RouteTimeout     time.Duration `yaml:"route_timeout"`
	MaxHops          int           `yaml:"max_hops"`
	SlotDuration     time.Duration `yaml:"slot_duration"`
	SlotCount        int           `yaml:"slot_count"`
	MaxFramesPerSlot int           `yaml:"max_frames_per_slot"`
	MaxRoutes        int           `yaml:"max_routes"`
	QueueLength      int           `yaml:"queue_length"`
}

type PingPong struct {
	Peer        string        `yaml:"peer"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Payload     string        `yaml:"payload"`
	QueueLength int           `yaml:"queue_length"`
}

type Metrics struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default mirrors mesher.DefaultConfig on the stub backend.
func Default() File {
	d := mesher.DefaultConfig()
	return File{
		LogLevel: "info",
		Radio: Radio{
			Backend:         BackendStub,
			Type:            d.Radio.Type.String(),
			Frequency:       d.Radio.Frequency,
			SpreadingFactor: d.Radio.SpreadingFactor,
			Bandwidth:       d.Radio.Bandwidth,
			CodingRate:      d.Radio.CodingRate,
			Power:           d.Radio.Power,
			SyncWord:        d.Radio.SyncWord,
			CRC:             d.Radio.CRC,
			PreambleLength:  d.Radio.PreambleLength,
		},
		Pins: Pins{CS: d.Pins.CS, Reset: d.Pins.Reset, IRQ: d.Pins.IRQ, IO1: d.Pins.IO1},
		Node: Node{HardwareAddress: d.UseHardwareID},
		Protocol: Protocol{
			Type: strings.ToLower(d.Protocol.String()),
			LoRaMesh: LoRaMesh{
				HelloInterval:    d.LoRaMesh.HelloInterval,
				RouteTimeout:     d.LoRaMesh.RouteTimeout,
				MaxHops:          d.LoRaMesh.MaxHops,
				SlotDuration:     d.LoRaMesh.SlotDuration,
				SlotCount:        d.LoRaMesh.SlotCount,
				MaxFramesPerSlot: d.LoRaMesh.MaxFramesPerSlot,
				MaxRoutes:        d.LoRaMesh.MaxRoutes,
				QueueLength:      d.LoRaMesh.QueueLength,
			},
			PingPong: PingPong{
				Peer:        d.PingPong.Peer.String(),
				Interval:    d.PingPong.Interval,
				Timeout:     d.PingPong.Timeout,
				Payload:     string(d.PingPong.Payload),
				QueueLength: d.PingPong.QueueLength,
			},
		},
	}
}

// Load reads path on top of Default.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes data on top of Default. Unknown keys are rejected.
func Parse(data []byte) (File, error) {
	f := Default()
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	return f, nil
}

// Mesher converts the file into a validated mesher configuration.
func (f File) Mesher() (mesher.Config, error) {
	cfg := mesher.DefaultConfig()

	radioType, err := hardware.ParseRadioType(f.Radio.Type)
	if err != nil {
		return mesher.Config{}, err
	}
	cfg.Radio = hardware.RadioConfig{
		Type:            radioType,
		Frequency:       f.Radio.Frequency,
		SpreadingFactor: f.Radio.SpreadingFactor,
		Bandwidth:       f.Radio.Bandwidth,
		CodingRate:      f.Radio.CodingRate,
		Power:           f.Radio.Power,
		SyncWord:        f.Radio.SyncWord,
		CRC:             f.Radio.CRC,
		PreambleLength:  f.Radio.PreambleLength,
	}
	cfg.Pins = hardware.PinConfig{CS: f.Pins.CS, Reset: f.Pins.Reset, IRQ: f.Pins.IRQ, IO1: f.Pins.IO1}

	if f.Node.Address != "" {
		addr, err := types.ParseAddress(f.Node.Address)
		if err != nil {
			return mesher.Config{}, types.NewConfigError("node.address", f.Node.Address, err.Error())
		}
		cfg.NodeAddress = addr
	}
	cfg.UseHardwareID = f.Node.HardwareAddress

	proto, err := ParseProtocol(f.Protocol.Type)
	if err != nil {
		return mesher.Config{}, err
	}
	cfg.Protocol = proto

	lm := f.Protocol.LoRaMesh
	cfg.LoRaMesh.HelloInterval = lm.HelloInterval
	cfg.LoRaMesh.RouteTimeout = lm.RouteTimeout
	cfg.LoRaMesh.MaxHops = lm.MaxHops
	cfg.LoRaMesh.SlotDuration = lm.SlotDuration
	cfg.LoRaMesh.SlotCount = lm.SlotCount
	cfg.LoRaMesh.MaxFramesPerSlot = lm.MaxFramesPerSlot
	cfg.LoRaMesh.MaxRoutes = lm.MaxRoutes
	cfg.LoRaMesh.QueueLength = lm.QueueLength

	pp := f.Protocol.PingPong
	if pp.Peer != "" {
		peer, err := types.ParseAddress(pp.Peer)
		if err != nil {
			return mesher.Config{}, types.NewConfigError("protocol.pingpong.peer", pp.Peer, err.Error())
		}
		cfg.PingPong.Peer = peer
	}
	cfg.PingPong.Interval = pp.Interval
	cfg.PingPong.Timeout = pp.Timeout
	cfg.PingPong.Payload = []byte(pp.Payload)
	cfg.PingPong.QueueLength = pp.QueueLength

	if err := cfg.Validate(); err != nil {
		return mesher.Config{}, err
	}
	return cfg, nil
}

// ParseProtocol accepts "loramesh" or "pingpong" in any case.
func ParseProtocol(s string) (types.ProtocolType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "loramesh", "":
		return types.LoRaMesh, nil
	case "pingpong":
		return types.PingPong, nil
	}
	return 0, types.NewConfigError("protocol.type", s, "expected loramesh or pingpong")
}
