// Package transport provides the bidirectional byte-stream abstraction
// (Link) that sits below the wire protocol: serial and TCP implementations,
// with framing and encoding living entirely in the protocol package above.
package transport

import "io"

// Link is a bidirectional byte stream to one controller. Framing and
// encoding are not its concern — it moves bytes, nothing more.
type Link interface {
	io.ReadWriteCloser

	// Flush discards any bytes the controller may have already written
	// before the host is ready to parse them (e.g. a boot banner).
	Flush() error
}
