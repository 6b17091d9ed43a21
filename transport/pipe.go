package transport

import "net"

// pipeLink adapts a net.Conn (as returned by net.Pipe) to Link, with Flush
// as a no-op — there is nothing to drain on an in-memory pipe.
type pipeLink struct {
	net.Conn
}

func (p *pipeLink) Flush() error { return nil }

// NewPipePair returns two in-memory, synchronous, full-duplex Links wired
// to each other, for exercising a Session against a scripted controller
// without any real serial or network hardware.
func NewPipePair() (host Link, controller Link) {
	a, b := net.Pipe()
	return &pipeLink{Conn: a}, &pipeLink{Conn: b}
}
