package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skyfighter64/alup-go/estimator"
)

type config struct {
	handshakeTimeout time.Duration
	dialTimeout      time.Duration
	windowSize       int
	logger           *logrus.Logger
}

func defaultConfig() config {
	return config{
		handshakeTimeout: 2 * time.Second,
		dialTimeout:      5 * time.Second,
		windowSize:       estimator.DefaultWindow,
		logger:           logrus.StandardLogger(),
	}
}

// Option configures a Session at connect time, generalizing the teacher's
// serial.Config/DefaultConfig shape to cover both transports plus
// timeouts and estimator sizing.
type Option func(*config)

// WithHandshakeTimeout sets the per-attempt handshake deadline. The
// handshake is retried once on timeout (§5), so a failed connect takes up
// to roughly 2x this value.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) { c.handshakeTimeout = d }
}

// WithDialTimeout bounds the initial TCP dial (ignored for serial, which
// has no equivalent connect phase).
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTimeout = d }
}

// WithWindowSize overrides the clock-delta estimator's rolling window size
// (default estimator.DefaultWindow). Must be >= estimator.MinWindow.
func WithWindowSize(n int) Option {
	return func(c *config) { c.windowSize = n }
}

// WithLogger overrides the logger used for soft, non-fatal conditions
// (orphaned acks, handshake retries). Defaults to logrus's standard
// logger; a nil logger keeps that default.
func WithLogger(l *logrus.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
