// Package hardwaretest provides a testify mock of hardware.Manager.
package hardwaretest

import (
	"github.com/stretchr/testify/mock"

	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/types"
)

type MockManager struct {
	mock.Mock

	// FrameLimit is returned by MaxFrameSize. Zero means hardware.MaxFrameSize.
	FrameLimit int
}

var _ hardware.Manager = (*MockManager)(nil)

func (m *MockManager) Register(h hardware.ReceiveHandler) error {
	return m.Called(h).Error(0)
}

func (m *MockManager) Unregister() {
	m.Called()
}

func (m *MockManager) Transmit(nextHop types.Address, frame []byte) error {
	return m.Called(nextHop, frame).Error(0)
}

func (m *MockManager) HardwareID() ([]byte, error) {
	args := m.Called()
	id, _ := args.Get(0).([]byte)
	return id, args.Error(1)
}

func (m *MockManager) MaxFrameSize() int {
	if m.FrameLimit > 0 {
		return m.FrameLimit
	}
	return hardware.MaxFrameSize
}

func (m *MockManager) RadioConfig() hardware.RadioConfig {
	return m.Called().Get(0).(hardware.RadioConfig)
}

func (m *MockManager) PinConfig() hardware.PinConfig {
	return m.Called().Get(0).(hardware.PinConfig)
}

func (m *MockManager) Close() error {
	return m.Called().Error(0)
}
