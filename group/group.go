// Package group fans a single logical frame out to several controllers at
// once — a multi-strip uniform, say, where every segment must receive the
// same colors on (as close to) the same wire tick.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skyfighter64/alup-go/protocol"
	"github.com/skyfighter64/alup-go/session"
)

// Group dispatches to an ordered, fixed set of member sessions in
// parallel. A failure on one member never stops dispatch to the others —
// every member's error is collected and returned together.
type Group struct {
	members []*session.Session
}

// New builds a Group over the given sessions, in the order given. The
// order is preserved for Members and error reporting, not for dispatch
// order — all members are sent to concurrently.
func New(members ...*session.Session) *Group {
	return &Group{members: append([]*session.Session{}, members...)}
}

// Members returns the group's sessions, in construction order.
func (g *Group) Members() []*session.Session {
	return append([]*session.Session{}, g.members...)
}

// Send clones frame once per member (each member's Session stamps its own
// telemetry on its copy) and dispatches to all of them concurrently,
// waiting for every member to complete before returning.
func (g *Group) Send(ctx context.Context, frame *protocol.Frame) error {
	var wg sync.WaitGroup
	errs := make([]error, len(g.members))

	for i, m := range g.members {
		wg.Add(1)
		go func(i int, m *session.Session) {
			defer wg.Done()
			_, err := m.Send(ctx, frame.Clone())
			errs[i] = err
		}(i, m)
	}
	wg.Wait()

	return joinMemberErrors(g.members, errs)
}

// Latency returns the slowest member's most recent round-trip time — the
// figure that determines when the whole group has visibly updated.
func (g *Group) Latency() time.Duration {
	var max time.Duration
	for _, m := range g.members {
		if l := m.Latency(); l > max {
			max = l
		}
	}
	return max
}

// Latencies returns every member's most recent round-trip time, keyed by
// session ID — useful for spotting the one straggling controller that
// Latency's max hides. Observability only.
func (g *Group) Latencies() map[string]time.Duration {
	out := make(map[string]time.Duration, len(g.members))
	for _, m := range g.members {
		out[m.ID()] = m.Latency()
	}
	return out
}

// Disconnect closes every member concurrently, collecting all errors.
func (g *Group) Disconnect(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(g.members))

	for i, m := range g.members {
		wg.Add(1)
		go func(i int, m *session.Session) {
			defer wg.Done()
			errs[i] = m.Disconnect(ctx)
		}(i, m)
	}
	wg.Wait()

	return joinMemberErrors(g.members, errs)
}

func joinMemberErrors(members []*session.Session, errs []error) error {
	var wrapped []error
	for i, err := range errs {
		if err != nil {
			wrapped = append(wrapped, fmt.Errorf("member %d (%s): %w", i, members[i].ID(), err))
		}
	}
	if len(wrapped) == 0 {
		return nil
	}
	return errors.Join(wrapped...)
}
