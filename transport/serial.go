package transport

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig configures a serial Link. Baud is caller-chosen; 115200 is
// the typical rate for ALUP controllers (§6).
type SerialConfig struct {
	Port string
	Baud int

	// ReadTimeout bounds a single underlying Read call. It is not the
	// session-level ACK deadline — the session enforces that separately
	// by waiting on its ack channel with its own timeout, independent of
	// how the reader goroutine's blocking Read is configured.
	ReadTimeout time.Duration
}

// DefaultSerialConfig returns 8N1 at the given baud with a modest read
// timeout, so the reader goroutine can notice a closed session promptly.
func DefaultSerialConfig(port string, baud int) SerialConfig {
	return SerialConfig{Port: port, Baud: baud, ReadTimeout: 100 * time.Millisecond}
}

type serialLink struct {
	port *serial.Port
}

// OpenSerial opens a serial Link and flushes any bytes the controller
// already wrote before the host started listening — typically its boot
// banner. tarm/serial exposes no native flush ioctl, so this drains
// whatever is waiting with a short deadline rather than calling a library
// flush primitive (see DESIGN.md).
func OpenSerial(cfg SerialConfig) (Link, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}

	link := &serialLink{port: port}
	if err := link.Flush(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("flush serial port %s: %w", cfg.Port, err)
	}
	return link, nil
}

func (l *serialLink) Read(p []byte) (int, error)  { return l.port.Read(p) }
func (l *serialLink) Write(p []byte) (int, error) { return l.port.Write(p) }
func (l *serialLink) Close() error                { return l.port.Close() }

// Flush drains stale bytes by reading with the port's short timeout until
// a read returns nothing. Read is configured with a non-zero ReadTimeout
// so this terminates instead of blocking forever on a quiet line.
func (l *serialLink) Flush() error {
	scratch := make([]byte, 256)
	for {
		n, err := l.port.Read(scratch)
		if n == 0 || err != nil {
			return nil
		}
	}
}
