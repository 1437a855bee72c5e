package gammascout

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the slice of serial.Port the protocol layer needs. A serial.Port
// returned by go.bug.st/serial satisfies it directly; tests and the demo mode
// substitute the in-memory Simulator.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Opener opens a port with the given framing.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial device.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("gammascout: failed to open %s: %w", path, err)
	}
	return p, nil
}

// ProtocolVersion identifies the hardware generation of the device.
type ProtocolVersion int

const (
	Unknown ProtocolVersion = iota
	V1
	V2
)

func (v ProtocolVersion) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return "unknown"
	}
}

func (v ProtocolVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *ProtocolVersion) UnmarshalText(b []byte) error {
	if string(b) == "unknown" {
		*v = Unknown
		return nil
	}
	parsed, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseProtocol maps a config value to a version. "auto" and "" map to
// Unknown, which asks Connect to run detection.
func ParseProtocol(s string) (ProtocolVersion, error) {
	switch s {
	case "", "auto":
		return Unknown, nil
	case "v1", "1":
		return V1, nil
	case "v2", "2":
		return V2, nil
	}
	return Unknown, fmt.Errorf("gammascout: unknown protocol %q (want auto, v1 or v2)", s)
}

// BaudRate is the line speed the generation talks at.
func (v ProtocolVersion) BaudRate() int {
	if v == V1 {
		return 2400
	}
	return 9600
}

// modeFor returns the 7E1 framing both generations use.
func modeFor(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 7,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
}
