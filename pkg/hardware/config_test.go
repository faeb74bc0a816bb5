package hardware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/loramesher/pkg/types"
)

func TestRadioConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*RadioConfig)
		field  string
	}{
		{name: "defaults", modify: func(*RadioConfig) {}},
		{name: "sx1278 low band", modify: func(c *RadioConfig) { c.Type = SX1278; c.Frequency = 433.0 }},
		{name: "sx1278 rejects 868", modify: func(c *RadioConfig) { c.Type = SX1278 }, field: "radio.frequency"},
		{name: "sx1262 sf5", modify: func(c *RadioConfig) { c.Type = SX1262; c.SpreadingFactor = 5 }},
		{name: "sx1276 rejects sf5", modify: func(c *RadioConfig) { c.SpreadingFactor = 5 }, field: "radio.spreading_factor"},
		{name: "sf13", modify: func(c *RadioConfig) { c.SpreadingFactor = 13 }, field: "radio.spreading_factor"},
		{name: "odd bandwidth", modify: func(c *RadioConfig) { c.Bandwidth = 100 }, field: "radio.bandwidth"},
		{name: "narrow bandwidth", modify: func(c *RadioConfig) { c.Bandwidth = 7.8 }},
		{name: "coding rate 4", modify: func(c *RadioConfig) { c.CodingRate = 4 }, field: "radio.coding_rate"},
		{name: "power too high", modify: func(c *RadioConfig) { c.Power = 21 }, field: "radio.power"},
		{name: "sx1262 power 22", modify: func(c *RadioConfig) { c.Type = SX1262; c.Power = 22 }},
		{name: "short preamble", modify: func(c *RadioConfig) { c.PreambleLength = 4 }, field: "radio.preamble_length"},
		{name: "mock skips ranges", modify: func(c *RadioConfig) { c.Type = MockRadio; c.Frequency = 0 }},
		{name: "unknown type", modify: func(c *RadioConfig) { c.Type = RadioType(42) }, field: "radio.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRadioConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrInvalidConfig))
			var cerr *types.ConfigError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestPinConfigValidate(t *testing.T) {
	require.NoError(t, DefaultPinConfig().Validate())

	neg := DefaultPinConfig()
	neg.IRQ = -1
	err := neg.Validate()
	require.ErrorIs(t, err, types.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "pins.irq")

	dup := DefaultPinConfig()
	dup.IO1 = dup.CS
	err = dup.Validate()
	require.ErrorIs(t, err, types.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "pins.cs")
}

func TestParseRadioType(t *testing.T) {
	for _, r := range []RadioType{SX1276, SX1278, SX1262, MockRadio} {
		got, err := ParseRadioType(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseRadioType("SX9999")
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}
