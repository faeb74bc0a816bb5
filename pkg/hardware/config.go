package hardware

import (
	"fmt"
	"math"

	"github.com/busybox42/loramesher/pkg/types"
)

type RadioType uint8

const (
	SX1276 RadioType = iota
	SX1278
	SX1262
	MockRadio
)

func (r RadioType) String() string {
	switch r {
	case SX1276:
		return "SX1276"
	case SX1278:
		return "SX1278"
	case SX1262:
		return "SX1262"
	case MockRadio:
		return "mock"
	default:
		return "unknown"
	}
}

// ParseRadioType accepts the names printed by String.
func ParseRadioType(s string) (RadioType, error) {
	for _, r := range []RadioType{SX1276, SX1278, SX1262, MockRadio} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, types.NewConfigError("radio.type", s, "unknown radio type")
}

// RadioConfig holds the PHY parameters handed to the radio chip.
type RadioConfig struct {
	Type            RadioType
	Frequency       float64 // MHz
	SpreadingFactor uint8
	Bandwidth       float64 // kHz
	CodingRate      uint8   // denominator of 4/x
	Power           int8    // dBm
	SyncWord        uint8
	CRC             bool
	PreambleLength  uint16
}

// DefaultRadioConfig returns an SX1276 setup for the EU868 band.
func DefaultRadioConfig() RadioConfig {
	return RadioConfig{
		Type:            SX1276,
		Frequency:       869.9,
		SpreadingFactor: 7,
		Bandwidth:       125.0,
		CodingRate:      7,
		Power:           6,
		SyncWord:        0x14,
		CRC:             true,
		PreambleLength:  8,
	}
}

type radioLimits struct {
	minFreq, maxFreq   float64
	minSF, maxSF       uint8
	minPower, maxPower int8
	minPreamble        uint16
}

var limits = map[RadioType]radioLimits{
	SX1276: {minFreq: 137, maxFreq: 1020, minSF: 6, maxSF: 12, minPower: -4, maxPower: 20, minPreamble: 6},
	SX1278: {minFreq: 137, maxFreq: 525, minSF: 6, maxSF: 12, minPower: -4, maxPower: 20, minPreamble: 6},
	SX1262: {minFreq: 150, maxFreq: 960, minSF: 5, maxSF: 12, minPower: -9, maxPower: 22, minPreamble: 1},
}

// LoRa bandwidths in kHz supported by the SX127x and SX126x families.
var bandwidths = []float64{7.8, 10.4, 15.6, 20.8, 31.25, 41.7, 62.5, 125, 250, 500}

// Validate checks the parameters against the ranges of the selected chip.
func (c RadioConfig) Validate() error {
	if c.Type == MockRadio {
		return nil
	}
	lim, ok := limits[c.Type]
	if !ok {
		return types.NewConfigError("radio.type", c.Type, "unknown radio type")
	}

	if c.Frequency < lim.minFreq || c.Frequency > lim.maxFreq {
		return types.NewConfigError("radio.frequency", c.Frequency,
			fmt.Sprintf("%s supports %.0f-%.0f MHz", c.Type, lim.minFreq, lim.maxFreq))
	}
	if c.SpreadingFactor < lim.minSF || c.SpreadingFactor > lim.maxSF {
		return types.NewConfigError("radio.spreading_factor", c.SpreadingFactor,
			fmt.Sprintf("%s supports SF%d-SF%d", c.Type, lim.minSF, lim.maxSF))
	}
	if !validBandwidth(c.Bandwidth) {
		return types.NewConfigError("radio.bandwidth", c.Bandwidth, "unsupported LoRa bandwidth")
	}
	if c.CodingRate < 5 || c.CodingRate > 8 {
		return types.NewConfigError("radio.coding_rate", c.CodingRate, "coding rate must be 4/5 to 4/8")
	}
	if c.Power < lim.minPower || c.Power > lim.maxPower {
		return types.NewConfigError("radio.power", c.Power,
			fmt.Sprintf("%s supports %d to %d dBm", c.Type, lim.minPower, lim.maxPower))
	}
	if c.PreambleLength < lim.minPreamble {
		return types.NewConfigError("radio.preamble_length", c.PreambleLength,
			fmt.Sprintf("%s needs at least %d symbols", c.Type, lim.minPreamble))
	}
	return nil
}

func validBandwidth(bw float64) bool {
	for _, b := range bandwidths {
		if math.Abs(b-bw) < 0.01 {
			return true
		}
	}
	return false
}

// PinConfig assigns the MCU pins wired to the radio.
type PinConfig struct {
	CS    int
	Reset int
	IRQ   int // DIO0
	IO1   int // DIO1
}

// DefaultPinConfig matches a TTGO LoRa32 board.
func DefaultPinConfig() PinConfig {
	return PinConfig{CS: 18, Reset: 23, IRQ: 26, IO1: 33}
}

// Validate rejects negative pins and pins wired to two roles.
func (p PinConfig) Validate() error {
	pins := []struct {
		name string
		pin  int
	}{
		{"pins.cs", p.CS},
		{"pins.reset", p.Reset},
		{"pins.irq", p.IRQ},
		{"pins.io1", p.IO1},
	}

	used := make(map[int]string, len(pins))
	for _, pn := range pins {
		if pn.pin < 0 {
			return types.NewConfigError(pn.name, pn.pin, "pin must be non-negative")
		}
		if other, ok := used[pn.pin]; ok {
			return types.NewConfigError(pn.name, pn.pin, "pin already used by "+other)
		}
		used[pn.pin] = pn.name
	}
	return nil
}
