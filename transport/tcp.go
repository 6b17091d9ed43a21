package transport

import (
	"fmt"
	"net"
	"time"
)

// DefaultTCPPort is the default ALUP controller TCP port (§6).
const DefaultTCPPort = 5012

type tcpLink struct {
	conn *net.TCPConn
}

// OpenTCP dials a controller over TCP with TCP_NODELAY set, so per-frame
// latency stays deterministic instead of waiting on Nagle's algorithm —
// grounded on the runZeroInc/sockstats pattern of reaching into the
// underlying *net.TCPConn after dialing.
func OpenTCP(host string, port int, dialTimeout time.Duration) (Link, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("dial tcp %s: unexpected connection type %T", addr, conn)
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("set nodelay on %s: %w", addr, err)
	}

	return &tcpLink{conn: tcpConn}, nil
}

func (l *tcpLink) Read(p []byte) (int, error)  { return l.conn.Read(p) }
func (l *tcpLink) Write(p []byte) (int, error) { return l.conn.Write(p) }
func (l *tcpLink) Close() error                { return l.conn.Close() }

// SetDeadline lets runWithDeadline push a handshake deadline straight down
// to the socket instead of falling back to a goroutine, the same as the
// in-memory pipe fixture.
func (l *tcpLink) SetDeadline(t time.Time) error { return l.conn.SetDeadline(t) }

// Flush is a no-op for TCP: TCP_NODELAY already ensures writes leave the
// host promptly, and there is no controller boot banner to drain over a
// network connection that didn't exist until Dial succeeded.
func (l *tcpLink) Flush() error { return nil }
