// Package session implements the Device Session: the single-controller
// connection that performs the ALUP handshake, pipelines outbound frames,
// matches inbound acknowledgements out of order, feeds the clock-delta
// estimator, and rewrites caller timestamps into the controller's clock
// domain before a frame leaves the wire.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/skyfighter64/alup-go/estimator"
	"github.com/skyfighter64/alup-go/protocol"
	"github.com/skyfighter64/alup-go/transport"
)

// State is the Session's lifecycle position (§3 "Lifecycle").
type State uint8

const (
	StateDisconnected State = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type pendingFrame struct {
	frame *protocol.Frame
	done  chan ackResult
}

type ackResult struct {
	ack *protocol.Ack
	err error
}

// Session is a live connection to one ALUP controller.
type Session struct {
	cfg config

	link    transport.Link
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	config       protocol.Configuration
	nextSequence uint32
	inFlight     map[uint32]*pendingFrame
	changed      chan struct{}
	lastLatency  int64
	observer     func(*protocol.Frame)

	sem chan struct{} // one token per occupied pipeline slot; capacity is the pipeline depth

	frameMu  sync.Mutex
	reusable protocol.Frame

	estimator *estimator.Estimator

	id         string
	logger     *logrus.Logger
	readerDone chan struct{}
	closeOnce  sync.Once
}

// ConnectSerial performs the handshake over a serial port and returns a
// Ready Session. 8N1 is assumed; baud is caller-chosen (typical 115200).
func ConnectSerial(ctx context.Context, port string, baud int, opts ...Option) (*Session, error) {
	cfg := applyOptions(opts)

	link, err := transport.OpenSerial(transport.DefaultSerialConfig(port, baud))
	if err != nil {
		return nil, protocol.Wrap(protocol.KindLinkUnavailable, "opening serial link", err)
	}
	return connect(ctx, link, cfg)
}

// ConnectTCP dials a controller over TCP (port 0 selects the default port
// transport.DefaultTCPPort) and performs the handshake.
func ConnectTCP(ctx context.Context, host string, port int, opts ...Option) (*Session, error) {
	cfg := applyOptions(opts)

	if port == 0 {
		port = transport.DefaultTCPPort
	}
	link, err := transport.OpenTCP(host, port, cfg.dialTimeout)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindLinkUnavailable, "opening tcp link", err)
	}
	return connect(ctx, link, cfg)
}

// Connect performs the handshake over an already-open Link. ConnectSerial
// and ConnectTCP are thin wrappers around this for the two transports this
// package opens itself; Connect itself is exported so tests (in this
// package and others, e.g. group) can drive a Session over the in-memory
// pipe fixture in transport.NewPipePair without a real serial port or
// socket.
func Connect(ctx context.Context, link transport.Link, opts ...Option) (*Session, error) {
	return connect(ctx, link, applyOptions(opts))
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func connect(ctx context.Context, link transport.Link, cfg config) (*Session, error) {
	s := &Session{
		cfg:        cfg,
		link:       link,
		state:      StateHandshaking,
		inFlight:   make(map[uint32]*pendingFrame),
		changed:    make(chan struct{}),
		estimator:  estimator.New(cfg.windowSize),
		id:         xid.New().String(),
		logger:     cfg.logger,
		readerDone: make(chan struct{}),
	}

	deviceCfg, err := s.handshake(ctx)
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	slots := int(deviceCfg.FrameBufferSize)
	if slots < 1 {
		slots = 1
	}

	s.mu.Lock()
	s.config = *deviceCfg
	s.state = StateReady
	s.mu.Unlock()
	s.sem = make(chan struct{}, slots)

	go s.readLoop()
	return s, nil
}

func (s *Session) handshake(ctx context.Context) (*protocol.Configuration, error) {
	attempt := func() (*protocol.Configuration, error) {
		actx, cancel := context.WithTimeout(ctx, s.cfg.handshakeTimeout)
		defer cancel()
		return runWithDeadline(actx, s.link, func() (*protocol.Configuration, error) {
			return protocol.ReadHandshake(s.link)
		})
	}

	cfg, err := attempt()
	if isKind(err, protocol.KindHandshakeTimeout) {
		s.logger.WithField("session", s.idOrUnknown()).Warn("alup: handshake timed out, retrying once")
		cfg, err = attempt()
	}
	if err != nil {
		return nil, err
	}

	if err := protocol.WriteHandshakeAck(s.link); err != nil {
		return nil, protocol.Wrap(protocol.KindLinkUnavailable, "writing handshake ack", err)
	}
	return cfg, nil
}

func (s *Session) idOrUnknown() string {
	if s.id == "" {
		return "unknown"
	}
	return s.id
}

func isKind(err error, kind protocol.Kind) bool {
	perr, ok := err.(*protocol.Error)
	return ok && perr.Kind == kind
}

// readLoop owns the inbound half of the Link exclusively: it is the only
// goroutine that ever calls s.link.Read (via DecodeAck), matching §5's
// requirement that no two tasks write to it concurrently — here, read it.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		ack, err := protocol.DecodeAck(s.link)
		if err != nil {
			s.fail(err)
			return
		}
		s.handleAck(ack)
	}
}

func (s *Session) handleAck(ack *protocol.Ack) {
	s.mu.Lock()
	pending, ok := s.inFlight[ack.Sequence]
	if ok {
		delete(s.inFlight, ack.Sequence)
		s.notifyChangedLocked()
	}
	s.mu.Unlock()

	if !ok {
		// §9 Open Question (a): an absent (including duplicate) sequence is
		// a PROTOCOL_ERROR. Nothing is waiting on it, so there is no
		// synchronous caller to hand the error to — log it and move on;
		// the controller's framing is still sound.
		s.logger.WithFields(logrus.Fields{
			"session":  s.id,
			"sequence": ack.Sequence,
		}).Warn("alup: ack for unknown or duplicate sequence, treating as protocol error")
		return
	}

	<-s.sem // free the pipeline slot this frame was holding

	now := nowMs()
	frame := pending.frame
	frame.TReceiverIn = int64(ack.TReceiverIn)
	frame.TReceiverOut = int64(ack.TReceiverOut)
	frame.TResponseIn = now

	sample := s.estimator.Push(frame.TFrameOut, frame.TReceiverIn, frame.TReceiverOut, frame.TResponseIn)

	s.mu.Lock()
	s.lastLatency = sample.Latency
	observer := s.observer
	s.mu.Unlock()

	var resultErr error
	if ack.Status != protocol.StatusOK {
		resultErr = protocol.WrapSequence(protocol.KindProtocolError, ack.Sequence,
			fmt.Sprintf("controller reported status=%d", ack.Status), nil)
	}

	// Fired outside any lock (§4.5, §9 design note). It runs on the reader
	// goroutine, so no further acks are read until it returns: a Send made
	// from inside it does not receive its own ack.
	if observer != nil {
		observer(frame)
	}

	pending.done <- ackResult{ack: ack, err: resultErr}
}

func (s *Session) notifyChangedLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Send enqueues frame and blocks until its matching Ack arrives, the
// pipeline is full and stays full until ctx is done, or the session fails.
func (s *Session) Send(ctx context.Context, frame *protocol.Frame) (*protocol.Ack, error) {
	return s.send(ctx, frame, true)
}

// TrySend is Send's non-blocking sibling: it returns BUFFER_FULL
// immediately instead of waiting for a pipeline slot.
func (s *Session) TrySend(ctx context.Context, frame *protocol.Frame) (*protocol.Ack, error) {
	return s.send(ctx, frame, false)
}

func (s *Session) send(ctx context.Context, frame *protocol.Frame, blocking bool) (*protocol.Ack, error) {
	if err := s.validate(frame); err != nil {
		return nil, err
	}

	if err := s.checkReady(); err != nil {
		return nil, err
	}

	if err := s.acquireSlot(ctx, blocking); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		<-s.sem
		return nil, s.closedErr()
	}

	seq := s.nextSequence
	s.nextSequence++
	delta := s.estimator.Median()
	wireTimestamp := estimator.RewriteTimestamp(frame.Timestamp, delta)

	pending := &pendingFrame{frame: frame, done: make(chan ackResult, 1)}
	s.inFlight[seq] = pending
	s.notifyChangedLocked()
	s.mu.Unlock()

	wireFrame := &protocol.Frame{Command: frame.Command, Offset: frame.Offset, Timestamp: wireTimestamp, Colors: frame.Colors}

	s.writeMu.Lock()
	encoded, err := protocol.Encode(wireFrame, seq)
	if err != nil {
		s.writeMu.Unlock()
		s.mu.Lock()
		delete(s.inFlight, seq)
		s.notifyChangedLocked()
		s.mu.Unlock()
		<-s.sem
		return nil, err
	}

	_, werr := s.link.Write(encoded)
	frame.TFrameOut = nowMs() // captured after the write syscall returns (§9 design note b)
	s.writeMu.Unlock()

	if werr != nil {
		s.fail(protocol.Wrap(protocol.KindLinkClosed, "writing frame", werr))
		result := <-pending.done
		return result.ack, result.err
	}

	select {
	case result := <-pending.done:
		return result.ack, result.err
	case <-ctx.Done():
		return nil, s.waitErr(ctx, seq)
	}
}

func (s *Session) acquireSlot(ctx context.Context, blocking bool) error {
	if !blocking {
		select {
		case s.sem <- struct{}{}:
			return nil
		default:
			return protocol.New(protocol.KindBufferFull, "no free pipeline slot")
		}
	}

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return s.waitErr(ctx, 0)
	}
}

// waitErr classifies a ctx cancellation. A deadline expiry is fatal to the
// session (the wire's state is unknown, §7); explicit cancellation only
// unblocks this caller.
func (s *Session) waitErr(ctx context.Context, sequence uint32) error {
	if ctx.Err() == context.DeadlineExceeded {
		err := protocol.WrapSequence(protocol.KindTimeout, sequence, "deadline exceeded waiting for ack", ctx.Err())
		s.fail(err)
		return err
	}
	return protocol.WrapSequence(protocol.KindCancelled, sequence, "send cancelled", ctx.Err())
}

func (s *Session) validate(frame *protocol.Frame) error {
	if frame.Timestamp < 0 {
		return protocol.New(protocol.KindInvalidArgument, "timestamp must be non-negative")
	}

	s.mu.Lock()
	ledCount := int(s.config.LEDCount)
	s.mu.Unlock()

	if ledCount == 0 {
		return nil // no LED count to check against: offset and color bounds go unchecked; Encode only rejects bodies over 65535 bytes
	}
	if int(frame.Offset) > ledCount {
		return protocol.New(protocol.KindInvalidArgument, "offset beyond strip")
	}
	if int(frame.Offset)+len(frame.Colors) > ledCount {
		return protocol.New(protocol.KindInvalidArgument, "colors extend beyond strip")
	}
	return nil
}

func (s *Session) checkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return s.closedErrLocked()
	}
	return nil
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErrLocked()
}

func (s *Session) closedErrLocked() error {
	if s.state == StateClosed || s.state == StateClosing {
		return protocol.New(protocol.KindLinkClosed, "session is closed")
	}
	return protocol.New(protocol.KindLinkUnavailable, "session is not ready")
}

// fail tears the session down exactly once: every in-flight frame is
// completed with LINK_CLOSED wrapping cause, the link is closed, and the
// state moves to Closed. Framing/CRC errors, write failures, and fatal
// timeouts all funnel through here (§7).
func (s *Session) fail(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		pending := s.inFlight
		s.inFlight = make(map[uint32]*pendingFrame)
		s.notifyChangedLocked()
		s.mu.Unlock()

		for seq, p := range pending {
			p.done <- ackResult{err: protocol.WrapSequence(protocol.KindLinkClosed, seq, "session closing", cause)}
		}

		_ = s.link.Close()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
}

// Disconnect transitions the session to Closing, gives in-flight frames up
// to ctx's deadline to complete, then forcibly closes the link and cancels
// whatever remains with LINK_CLOSED.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		<-s.readerDone
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	_ = s.FlushBuffer(ctx)
	s.fail(protocol.New(protocol.KindLinkClosed, "session disconnected"))
	<-s.readerDone
	return nil
}

// FlushBuffer blocks until no frames are in flight, or ctx is done.
func (s *Session) FlushBuffer(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.inFlight) == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return s.waitErr(ctx, 0)
		}
	}
}

// Calibrate sends n empty frames (default 100) to warm the delta
// estimator's rolling window.
func (s *Session) Calibrate(ctx context.Context, n int) error {
	if n <= 0 {
		n = estimator.DefaultWindow
	}
	for i := 0; i < n; i++ {
		if _, err := s.Send(ctx, &protocol.Frame{Command: protocol.CommandNone}); err != nil {
			return err
		}
	}
	return nil
}

// SetColors mutates the session's reusable frame with colors at offset 0
// and sends it — the convenience producer path from §4.2.
func (s *Session) SetColors(ctx context.Context, colors []protocol.Color) (*protocol.Ack, error) {
	s.frameMu.Lock()
	s.reusable.Colors = colors
	frame := s.reusable.Clone()
	s.frameMu.Unlock()
	return s.Send(ctx, frame)
}

// SetCommand mutates the session's reusable frame's command and sends it.
func (s *Session) SetCommand(ctx context.Context, cmd protocol.Command) (*protocol.Ack, error) {
	s.frameMu.Lock()
	s.reusable.Command = cmd
	frame := s.reusable.Clone()
	s.frameMu.Unlock()
	return s.Send(ctx, frame)
}

// Clear sends a CLEAR command, setting every LED to black.
func (s *Session) Clear(ctx context.Context) (*protocol.Ack, error) {
	return s.Send(ctx, &protocol.Frame{Command: protocol.CommandClear})
}

// Configuration returns the controller's handshake-time configuration.
func (s *Session) Configuration() protocol.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Latency returns the most recently completed frame's round-trip time.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.lastLatency) * time.Millisecond
}

// TimeDeltaMs returns the current published clock-delta estimate.
func (s *Session) TimeDeltaMs() int64 {
	return s.estimator.Median()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the session's opaque identity, used in logs and metrics
// labels.
func (s *Session) ID() string {
	return s.id
}

// OnFrameResponse installs the Metrics Tap observer (§4.5). It is invoked
// exactly once per completed frame, outside any session lock.
func (s *Session) OnFrameResponse(fn func(*protocol.Frame)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
