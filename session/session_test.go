package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/skyfighter64/alup-go/protocol"
	"github.com/skyfighter64/alup-go/transport"
)

// startController runs a scripted controller over link: it writes cfg as
// the handshake, reads the host's ack byte, then replies to every data
// frame with statusFor(seq) (StatusOK if statusFor is nil). It returns when
// the link closes or a framing error occurs.
func startController(t *testing.T, link transport.Link, cfg *protocol.Configuration, statusFor func(seq uint32) protocol.Status) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := link.Write(protocol.EncodeHandshake(cfg)); err != nil {
			return
		}
		var ackByte [1]byte
		if _, err := io.ReadFull(link, ackByte[:]); err != nil {
			return
		}
		for {
			frame, seq, err := protocol.DecodeFrame(link)
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
			if _, err := link.Write(protocol.EncodeAck(ack)); err != nil {
				return
			}
		}
	}()
	return done
}

func testConfig() *protocol.Configuration {
	return &protocol.Configuration{
		ProtocolVersion: [3]byte{1, 0, 0},
		DeviceName:      "test-strip",
		LEDCount:        100,
		DataPin:         6,
		FrameBufferSize: 4,
	}
}

func TestConnectPerformsHandshake(t *testing.T) {
	hostLink, ctrlLink := transport.NewPipePair()
	cfg := testConfig()
	done := startController(t, ctrlLink, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sess, err := Connect(ctx, hostLink)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("state = %v, want Ready", sess.State())
	}

	got := sess.Configuration()
	if got.DeviceName != cfg.DeviceName || got.LEDCount != cfg.LEDCount || got.FrameBufferSize != cfg.FrameBufferSize {
		t.Fatalf("configuration = %+v, want %+v", got, cfg)
	}

	if err := sess.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	<-done
}

func TestSendHappyPath(t *testing.T) {
	hostLink, ctrlLink := transport.NewPipePair()
	cfg := testConfig()
	done := startController(t, ctrlLink, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sess, err := Connect(ctx, hostLink)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	frame := &protocol.Frame{Command: protocol.CommandNone, Colors: []protocol.Color{protocol.NewColor(10, 20, 30)}}
	ack, err := sess.Send(ctx, frame)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack.Status != protocol.StatusOK {
		t.Fatalf("ack status = %v, want OK", ack.Status)
	}
	if frame.TFrameOut == 0 || frame.TResponseIn == 0 {
		t.Fatalf("telemetry not populated: %+v", frame)
	}

	if err := sess.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	<-done
}

func TestSendRejectsInvalidArgumentWithoutTouchingWire(t *testing.T) {
	hostLink, ctrlLink := transport.NewPipePair()
	cfg := testConfig()
	cfg.LEDCount = 5
	done := startController(t, ctrlLink, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sess, err := Connect(ctx, hostLink)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	frame := &protocol.Frame{Offset: 3, Colors: []protocol.Color{1, 2, 3}} // 3+3 > 5
	if _, err := sess.Send(ctx, frame); err == nil {
		t.Fatal("expected INVALID_ARGUMENT")
	} else if perr, ok := err.(*protocol.Error); !ok || perr.Kind != protocol.KindInvalidArgument {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}

	if err := sess.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	<-done
}

func TestControllerErrorAckIsNonFatal(t *testing.T) {
	hostLink, ctrlLink := transport.NewPipePair()
	cfg := testConfig()

	seen := 0
	statusFor := func(seq uint32) protocol.Status {
		seen++
		if seen == 1 {
			return protocol.StatusError
		}
		return protocol.StatusOK
	}
	done := startController(t, ctrlLink, cfg, statusFor)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sess, err := Connect(ctx, hostLink)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = sess.Send(ctx, &protocol.Frame{})
	if err == nil {
		t.Fatal("expected PROTOCOL_ERROR from first frame")
	}
	if perr, ok := err.(*protocol.Error); !ok || perr.Kind != protocol.KindProtocolError {
		t.Fatalf("err = %v, want PROTOCOL_ERROR", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("state = %v, want Ready after a non-fatal protocol error", sess.State())
	}

	if _, err := sess.Send(ctx, &protocol.Frame{}); err != nil {
		t.Fatalf("second send: %v", err)
	}

	if err := sess.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	<-done
}

func TestFramingErrorClosesSession(t *testing.T) {
	hostLink, ctrlLink := transport.NewPipePair()
	cfg := testConfig()

	go func() {
		if _, err := ctrlLink.Write(protocol.EncodeHandshake(cfg)); err != nil {
			return
		}
		var ackByte [1]byte
		if _, err := io.ReadFull(ctrlLink, ackByte[:]); err != nil {
			return
		}
		_, seq, err := protocol.DecodeFrame(ctrlLink)
		if err != nil {
			return
		}
		bad := protocol.EncodeAck(&protocol.Ack{Sequence: seq})
		bad[0] = 0x00 // break the sync marker
		_, _ = ctrlLink.Write(bad)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sess, err := Connect(ctx, hostLink)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := sess.Send(ctx, &protocol.Frame{}); err == nil {
		t.Fatal("expected an error from the corrupted ack")
	}

	<-sess.readerDone
	if sess.State() != StateClosed {
		t.Fatalf("state = %v, want Closed", sess.State())
	}

	if _, err := sess.Send(ctx, &protocol.Frame{}); err == nil {
		t.Fatal("expected an error sending on a closed session")
	}
}

func TestPipelinedAcksMatchOutOfOrder(t *testing.T) {
	hostLink, ctrlLink := transport.NewPipePair()
	cfg := testConfig()
	cfg.FrameBufferSize = 4

	go func() {
		if _, err := ctrlLink.Write(protocol.EncodeHandshake(cfg)); err != nil {
			return
		}
		var ackByte [1]byte
		if _, err := io.ReadFull(ctrlLink, ackByte[:]); err != nil {
			return
		}

		var sequences []uint32
		for i := 0; i < 2; i++ {
			_, seq, err := protocol.DecodeFrame(ctrlLink)
			if err != nil {
				return
			}
			sequences = append(sequences, seq)
		}

		// Acknowledge in reverse of arrival order.
		for i := len(sequences) - 1; i >= 0; i-- {
			ack := &protocol.Ack{Sequence: sequences[i], Status: protocol.StatusOK}
			if _, err := ctrlLink.Write(protocol.EncodeAck(ack)); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sess, err := Connect(ctx, hostLink)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	type result struct{ err error }
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := sess.Send(ctx, &protocol.Frame{})
			results <- result{err}
		}()
	}

	for i := 0; i < 2; i++ {
		if r := <-results; r.err != nil {
			t.Fatalf("send %d: %v", i, r.err)
		}
	}

	if err := sess.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestTrySendReturnsBufferFullWhenPipelineSaturated(t *testing.T) {
	hostLink, ctrlLink := transport.NewPipePair()
	cfg := testConfig()
	cfg.FrameBufferSize = 1

	frameSeen := make(chan struct{})
	go func() {
		if _, err := ctrlLink.Write(protocol.EncodeHandshake(cfg)); err != nil {
			return
		}
		var ackByte [1]byte
		if _, err := io.ReadFull(ctrlLink, ackByte[:]); err != nil {
			return
		}
		if _, _, err := protocol.DecodeFrame(ctrlLink); err != nil {
			return
		}
		close(frameSeen) // the one pipeline slot is now held; never ack it
	}()

	connectCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sess, err := Connect(connectCtx, hostLink)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = sess.Send(ctx, &protocol.Frame{})
		close(firstDone)
	}()

	<-frameSeen

	if _, err := sess.TrySend(context.Background(), &protocol.Frame{}); err == nil {
		t.Fatal("expected BUFFER_FULL")
	} else if perr, ok := err.(*protocol.Error); !ok || perr.Kind != protocol.KindBufferFull {
		t.Fatalf("err = %v, want BUFFER_FULL", err)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	_ = sess.Disconnect(shortCtx)
	<-firstDone
}

func TestCalibrateSendsEmptyFrames(t *testing.T) {
	hostLink, ctrlLink := transport.NewPipePair()
	cfg := testConfig()
	done := startController(t, ctrlLink, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sess, err := Connect(ctx, hostLink, WithWindowSize(3))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := sess.Calibrate(ctx, 3); err != nil {
		t.Fatalf("calibrate: %v", err)
	}

	if err := sess.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	<-done
}
