package serial

import (
	"io"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (using github.com/tarm/serial)
// - Mock serial (in-memory pipe for testing)
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyUSB0", "COM1")
	Device string

	// Baud rate (the VMC link runs 57600, 8 data bits, no parity, 1 stop bit)
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// DefaultConfig returns the standard configuration for a VMC link
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        57600, // Per the VMC protocol document
		ReadTimeout: 100,   // 100ms read timeout
	}
}
