package group

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/skyfighter64/alup-go/protocol"
	"github.com/skyfighter64/alup-go/session"
	"github.com/skyfighter64/alup-go/transport"
)

// startMember spins up one scripted controller and connects a real Session
// to it over an in-memory pipe, so Group can be exercised against genuine
// Session instances instead of a hand-rolled interface double.
func startMember(t *testing.T, name string, statusFor func(seq uint32) protocol.Status) *session.Session {
	t.Helper()

	hostLink, ctrlLink := transport.NewPipePair()
	cfg := &protocol.Configuration{DeviceName: name, LEDCount: 60, FrameBufferSize: 4}

	go func() {
		if _, err := ctrlLink.Write(protocol.EncodeHandshake(cfg)); err != nil {
			return
		}
		var ackByte [1]byte
		if _, err := io.ReadFull(ctrlLink, ackByte[:]); err != nil {
			return
		}
		for {
			frame, seq, err := protocol.DecodeFrame(ctrlLink)
			if err != nil {
				return
			}
			status := protocol.StatusOK
			if statusFor != nil {
				status = statusFor(seq)
			}
			ack := &protocol.Ack{
				Sequence:     seq,
				Status:       status,
				TReceiverIn:  uint64(frame.Timestamp) + 5,
				TReceiverOut: uint64(frame.Timestamp) + 6,
			}
			if _, err := ctrlLink.Write(protocol.EncodeAck(ack)); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sess, err := session.Connect(ctx, hostLink)
	if err != nil {
		t.Fatalf("connecting member %s: %v", name, err)
	}
	return sess
}

func TestSendFansOutToAllMembers(t *testing.T) {
	a := startMember(t, "strip-a", nil)
	b := startMember(t, "strip-b", nil)
	g := New(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := g.Send(ctx, &protocol.Frame{Colors: []protocol.Color{protocol.NewColor(1, 2, 3)}}); err != nil {
		t.Fatalf("group send: %v", err)
	}

	_ = g.Disconnect(ctx)
}

func TestSendCollectsAllMemberErrorsWithoutShortCircuiting(t *testing.T) {
	failing := func(seq uint32) protocol.Status { return protocol.StatusError }
	a := startMember(t, "strip-a", failing)
	b := startMember(t, "strip-b", nil) // healthy member

	g := New(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := g.Send(ctx, &protocol.Frame{})
	if err == nil {
		t.Fatal("expected an error from the failing member")
	}

	// The healthy member must still have completed: a second send on b
	// alone should succeed, proving the group didn't abandon it early.
	if _, sendErr := b.Send(ctx, &protocol.Frame{}); sendErr != nil {
		t.Fatalf("healthy member should be unaffected by its sibling's error: %v", sendErr)
	}

	_ = g.Disconnect(ctx)
}

func TestLatenciesReportsPerMember(t *testing.T) {
	a := startMember(t, "strip-a", nil)
	b := startMember(t, "strip-b", nil)
	g := New(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := g.Send(ctx, &protocol.Frame{}); err != nil {
		t.Fatalf("group send: %v", err)
	}

	latencies := g.Latencies()
	if len(latencies) != 2 {
		t.Fatalf("latencies = %+v, want 2 entries", latencies)
	}
	if _, ok := latencies[a.ID()]; !ok {
		t.Errorf("missing latency for member %s", a.ID())
	}
	if _, ok := latencies[b.ID()]; !ok {
		t.Errorf("missing latency for member %s", b.ID())
	}

	if g.Latency() < 0 {
		t.Errorf("Latency() = %v, want >= 0", g.Latency())
	}

	_ = g.Disconnect(ctx)
}
