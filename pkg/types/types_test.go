package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "4660", want: 0x1234},
		{in: "0x1234", want: 0x1234},
		{in: " 0XBEEF ", want: 0xBEEF},
		{in: "65536", wantErr: true},
		{in: "zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseAddress(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAddressReserved(t *testing.T) {
	if !Unassigned.IsReserved() || !Broadcast.IsReserved() {
		t.Error("Unassigned and Broadcast must be reserved")
	}
	if Address(0x1234).IsReserved() {
		t.Error("0x1234 should be assignable")
	}
	if got := Address(0x1234).String(); got != "0x1234" {
		t.Errorf("String() = %q", got)
	}
}

func TestConfigErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("build: %w", NewConfigError("pins.cs", -1, "must be non-negative"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatal("wrapped ConfigError should match ErrInvalidConfig")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatal("expected errors.As to find ConfigError")
	}
	if cfgErr.Field != "pins.cs" {
		t.Errorf("Field = %q", cfgErr.Field)
	}
}

func TestProtocolTypeString(t *testing.T) {
	if LoRaMesh.String() != "LoRaMesh" || PingPong.String() != "PingPong" {
		t.Error("unexpected protocol names")
	}
	if ProtocolType(9).Valid() {
		t.Error("unknown protocol type reported valid")
	}
	if StateRunning.String() != "running" {
		t.Errorf("StateRunning = %q", StateRunning.String())
	}
}
