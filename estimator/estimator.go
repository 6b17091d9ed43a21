// Package estimator derives the clock offset between host and controller
// from the four per-frame timestamps a Session samples, and smooths it
// with a rolling median to tolerate OS-scheduling and USB/TCP jitter.
package estimator

import (
	"sort"
	"sync"
)

// MinWindow is the smallest allowed window size (§4.3: "must be ≥ 3").
const MinWindow = 3

// DefaultWindow is the window size used when a Session doesn't override it.
const DefaultWindow = 100

// Sample is the per-frame result of feeding one round trip's timestamps
// through the estimator.
type Sample struct {
	DeltaRaw    int64 // controller_time - host_time estimate for this frame alone
	DeltaMedian int64 // published Δ after incorporating this sample
	Latency     int64 // t_response_in - t_frame_out: true round trip
	TxLatency   int64 // host -> controller leg, using DeltaMedian
	RxLatency   int64 // controller -> host leg, using DeltaMedian
}

type sample struct {
	hostTime int64 // t_frame_out, used only for Slope's x-axis
	delta    int64
}

// Estimator maintains a bounded FIFO of raw per-frame offset samples and
// publishes their rolling median as Δ.
type Estimator struct {
	mu       sync.Mutex
	window   []sample
	capacity int
	next     int // write index, wraps
	filled   int // number of valid entries, caps at capacity
	total    int // total samples ever pushed, for Calibrated()
	median   int64
}

// New creates an Estimator with the given window size. Panics if size < 3,
// matching the spec's hard floor on window size — a misconfigured window
// is a programming error, not a runtime condition to recover from.
func New(size int) *Estimator {
	if size < MinWindow {
		panic("estimator: window size must be >= 3")
	}
	return &Estimator{window: make([]sample, size), capacity: size}
}

// Push feeds one frame's four timestamps (all host or controller domain
// monotonic milliseconds, per §3/§4.3) into the estimator and returns the
// derived Sample, including the updated DeltaMedian.
func (e *Estimator) Push(tFrameOut, tReceiverIn, tReceiverOut, tResponseIn int64) Sample {
	rttRaw := tResponseIn - tFrameOut
	deltaRaw := tReceiverIn - tFrameOut - rttRaw/2

	e.mu.Lock()
	e.window[e.next] = sample{hostTime: tFrameOut, delta: deltaRaw}
	e.next = (e.next + 1) % e.capacity
	if e.filled < e.capacity {
		e.filled++
	}
	e.total++
	e.median = e.medianLocked()
	median := e.median
	e.mu.Unlock()

	return Sample{
		DeltaRaw:    deltaRaw,
		DeltaMedian: median,
		Latency:     rttRaw,
		TxLatency:   tReceiverIn - (tFrameOut + median),
		RxLatency:   (tResponseIn + median) - tReceiverOut,
	}
}

func (e *Estimator) medianLocked() int64 {
	values := make([]int64, e.filled)
	for i := 0; i < e.filled; i++ {
		values[i] = e.window[i].delta
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	n := len(values)
	if n == 0 {
		return 0
	}
	mid := n / 2
	if n%2 == 0 {
		// Ties broken toward the lower element (§4.3).
		return values[mid-1]
	}
	return values[mid]
}

// Median returns the currently published Δ without feeding a new sample.
func (e *Estimator) Median() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.median
}

// Calibrated reports whether at least one full window of samples has been
// observed (§4.3: "the median is only considered calibrated after the
// first full window").
func (e *Estimator) Calibrated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total >= e.capacity
}

// Slope returns a linear-regression estimate of clock drift: the rate of
// change of Δ per millisecond of host time elapsed across the current
// window. It is observability-only (§9 design note, §4.3 EXPANSION) — the
// Session's timestamp rewrite never consults it. Returns 0 with fewer than
// two samples.
func (e *Estimator) Slope() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.filled
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		x := float64(e.window[i].hostTime)
		y := float64(e.window[i].delta)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// RewriteTimestamp projects a host-domain instant into the controller
// domain, bypassing zero (§4.2 "Timestamp rewrite"): 0 always means
// "apply on arrival" and must never be shifted.
func RewriteTimestamp(hostTimestamp int64, delta int64) int64 {
	if hostTimestamp == 0 {
		return 0
	}
	return hostTimestamp + delta
}
