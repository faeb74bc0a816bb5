// Package address assigns mesh addresses to nodes.
package address

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/loramesher/internal/logging"
	"github.com/busybox42/loramesher/pkg/types"
)

// ErrNoHardwareID is returned when a hardware id source yields nothing usable.
var ErrNoHardwareID = errors.New("hardware id unavailable")

// HardwareIDSource exposes a stable chip-unique identifier.
type HardwareIDSource interface {
	HardwareID() ([]byte, error)
}

// remapped replaces a reserved derivation result.
const remapped types.Address = 0x0001

// Allocate picks the address for a node. An explicit address always wins.
// Otherwise the address is derived from src when useHardwareID is set and
// src can provide an id, and drawn at random in every other case. The
// returned error is only non-nil when the random source fails.
func Allocate(explicit types.Address, useHardwareID bool, src HardwareIDSource) (types.Address, error) {
	if explicit != types.Unassigned {
		return explicit, nil
	}

	if useHardwareID && src != nil {
		if id, err := src.HardwareID(); err == nil {
			if addr, err := FromHardwareID(id); err == nil {
				return addr, nil
			}
		}
	}

	return Random()
}

// FromHardwareID derives an address from the SHA-1 digest of id. The digest
// is walked two bytes at a time until a non-reserved value shows up.
func FromHardwareID(id []byte) (types.Address, error) {
	if len(id) == 0 {
		return types.Unassigned, ErrNoHardwareID
	}

	hash := sha1.Sum(id)
	for i := 0; i+1 < len(hash); i += 2 {
		addr := types.Address(binary.BigEndian.Uint16(hash[i : i+2]))
		if !addr.IsReserved() {
			return addr, nil
		}
	}
	return remapped, nil
}

// Random draws a non-reserved address from crypto/rand.
func Random() (types.Address, error) {
	var buf [2]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return types.Unassigned, fmt.Errorf("failed to read random address: %w", err)
		}
		addr := types.Address(binary.BigEndian.Uint16(buf[:]))
		if !addr.IsReserved() {
			return addr, nil
		}
	}
}

type loggedSource struct {
	src HardwareIDSource
	log logrus.FieldLogger
}

// LoggedSource wraps src so that a failed lookup, after which Allocate
// falls back to a random address, shows up in the log.
func LoggedSource(src HardwareIDSource, log logrus.FieldLogger) HardwareIDSource {
	return loggedSource{src: src, log: logging.OrDiscard(log)}
}

func (s loggedSource) HardwareID() ([]byte, error) {
	id, err := s.src.HardwareID()
	if err != nil {
		s.log.WithError(err).Warn("Hardware id unavailable, using a random address")
	}
	return id, err
}
