package types

// ProtocolType selects the behavior a node runs on its radio.
type ProtocolType uint8

const (
	LoRaMesh ProtocolType = iota
	PingPong
)

func (p ProtocolType) String() string {
	switch p {
	case LoRaMesh:
		return "LoRaMesh"
	case PingPong:
		return "PingPong"
	default:
		return "unknown"
	}
}

// Valid reports whether p names a supported protocol.
func (p ProtocolType) Valid() bool {
	return p == LoRaMesh || p == PingPong
}

// ProtocolState is the lifecycle state of a protocol instance.
type ProtocolState uint8

const (
	StateStopped ProtocolState = iota
	StateStarting
	StateRunning
)

func (s ProtocolState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}
