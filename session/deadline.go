package session

import (
	"context"
	"time"

	"github.com/skyfighter64/alup-go/protocol"
	"github.com/skyfighter64/alup-go/transport"
)

// deadliner is implemented by Links backed by net.Conn (TCP, the in-memory
// test pipe), letting a blocking read be bounded without a helper
// goroutine. Serial links don't implement it — tarm/serial exposes no
// per-call deadline, only a static read timeout configured at open time —
// so runWithDeadline falls back to a goroutine+select for those.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// runWithDeadline runs fn, bounding it by ctx. When link supports
// SetDeadline, fn runs synchronously with the deadline pushed down to the
// link itself — the idiomatic net.Conn pattern. Otherwise fn runs in a
// goroutine raced against ctx.Done(); on cancellation this function
// returns immediately even though fn may still be blocked in the
// background until the link is closed out from under it.
func runWithDeadline[T any](ctx context.Context, link transport.Link, fn func() (T, error)) (T, error) {
	if dl, ok := link.(deadliner); ok {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			_ = dl.SetDeadline(deadline)
			defer dl.SetDeadline(time.Time{})
		}
		result, err := fn()
		if err != nil && ctx.Err() != nil {
			err = protocol.Wrap(protocol.KindHandshakeTimeout, "deadline exceeded", err)
		}
		return result, err
	}

	type outcome struct {
		result T
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := fn()
		ch <- outcome{result, err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		var zero T
		return zero, protocol.New(protocol.KindHandshakeTimeout, "deadline exceeded")
	}
}
