package modem

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Dialer opens the transport to the modem. Abstracting the open lets tests
// substitute in-memory transports and lets the channel reopen the device
// after an I/O failure.
type Dialer interface {
	Dial() (io.ReadWriteCloser, error)
}

// SerialDialer opens a real serial device with go.bug.st/serial.
type SerialDialer struct {
	Device string // e.g. /dev/ttyUSB2
	Baud   int    // e.g. 115200
}

// Dial opens the serial port.
func (d SerialDialer) Dial() (io.ReadWriteCloser, error) {
	if d.Device == "" {
		return nil, fmt.Errorf("modem: serial device path required")
	}
	baud := d.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(d.Device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Device, err)
	}
	return port, nil
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func() (io.ReadWriteCloser, error)

// Dial calls f.
func (f DialerFunc) Dial() (io.ReadWriteCloser, error) { return f() }
