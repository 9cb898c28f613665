// Package serial is CR1's serial byte pipe (spec.md §1 pins it as an
// out-of-scope collaborator; SPEC_FULL.md §8 brings a full implementation
// into the build since a runnable daemon needs one). It owns the host-side
// link to the CR1 board and the realtime single-byte command peeler that
// sits in front of the line buffer the g-code layer reads from.
//
// Port and its tarm/serial-backed Open are grounded on host/serial/serial.go
// and host/serial/serial_native.go: same Config shape (device/baud/read
// timeout) and the same thin io.ReadWriteCloser-plus-Flush abstraction over
// github.com/tarm/serial, generalized from Klipper's 250000 baud USB-CDC
// default to CR1's configurable link.
package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the host-side half of the CR1 link.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// Flush discards any buffered data, the way a fresh connection should
	// start with no stale bytes left over from a prior session.
	Flush() error
}

// Config configures a native serial connection.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// DefaultConfig returns CR1's usual link parameters.
func DefaultConfig(device string) Config {
	return Config{Device: device, Baud: 115200, ReadTimeout: 100 * time.Millisecond}
}

type nativePort struct {
	port *serial.Port
}

// Open opens a native serial connection to the CR1 board.
func Open(cfg Config) (Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	return &nativePort{port: port}, nil
}

func (p *nativePort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *nativePort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *nativePort) Close() error                { return p.port.Close() }

// Flush is a no-op: tarm/serial doesn't expose a discard primitive, and
// Write already blocks until its bytes are accepted by the OS.
func (p *nativePort) Flush() error { return nil }
