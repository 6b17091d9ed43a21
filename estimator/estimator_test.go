package estimator

import "testing"

// push feeds a sample whose deltaRaw works out to exactly delta, holding
// rtt at 0 for simplicity: tFrameOut=t, tResponseIn=t, tReceiverIn=t+delta.
func push(e *Estimator, t int64, delta int64) Sample {
	return e.Push(t, t+delta, t, t)
}

func TestMedianStability(t *testing.T) {
	e := New(DefaultWindow)

	for i := 0; i < DefaultWindow; i++ {
		push(e, int64(i), 1000)
	}
	if !e.Calibrated() {
		t.Fatal("expected calibrated after one full window")
	}
	if got := e.Median(); got != 1000 {
		t.Fatalf("median after full window of x = %d, want 1000", got)
	}

	// One outlier pushed in: evicts the oldest x, window is now 99 x + 1 y.
	s := push(e, int64(DefaultWindow), 50000)
	if s.DeltaMedian != 1000 {
		t.Errorf("median after one outlier = %d, want 1000 (unchanged)", s.DeltaMedian)
	}
}

func TestMedianEvenWindowTiesLow(t *testing.T) {
	e := New(4)
	push(e, 0, 10)
	push(e, 1, 20)
	if got := e.Median(); got != 10 {
		t.Errorf("median of [10,20] = %d, want 10 (lower element)", got)
	}
}

func TestNotCalibratedBeforeFullWindow(t *testing.T) {
	e := New(10)
	for i := 0; i < 9; i++ {
		push(e, int64(i), 5)
	}
	if e.Calibrated() {
		t.Error("expected not calibrated with one sample short of a full window")
	}
	push(e, 9, 5)
	if !e.Calibrated() {
		t.Error("expected calibrated after the 10th sample fills the window")
	}
}

func TestPushDerivedLatencies(t *testing.T) {
	e := New(MinWindow)
	// rtt = 100, delta_raw = receiverIn - frameOut - rtt/2 = 150 - 0 - 50 = 100
	s := e.Push(0, 150, 180, 100)
	if s.Latency != 100 {
		t.Errorf("latency = %d, want 100", s.Latency)
	}
	if s.DeltaRaw != 100 {
		t.Errorf("deltaRaw = %d, want 100", s.DeltaRaw)
	}
}

func TestRewriteTimestampZeroBypass(t *testing.T) {
	if got := RewriteTimestamp(0, 1234); got != 0 {
		t.Errorf("RewriteTimestamp(0, _) = %d, want 0", got)
	}
	if got := RewriteTimestamp(1000, 250); got != 1250 {
		t.Errorf("RewriteTimestamp(1000, 250) = %d, want 1250", got)
	}
}

func TestSlopeRequiresTwoSamples(t *testing.T) {
	e := New(MinWindow)
	if got := e.Slope(); got != 0 {
		t.Errorf("Slope() with no samples = %v, want 0", got)
	}
	push(e, 0, 100)
	if got := e.Slope(); got != 0 {
		t.Errorf("Slope() with one sample = %v, want 0", got)
	}
}

func TestSlopeDetectsDrift(t *testing.T) {
	e := New(MinWindow)
	// delta grows by 1ms per 1ms of host time: slope should be ~1.
	for i := int64(0); i < 10; i++ {
		push(e, i*1000, i*1000)
	}
	slope := e.Slope()
	if slope < 0.99 || slope > 1.01 {
		t.Errorf("Slope() = %v, want ~1.0", slope)
	}
}

func TestNewPanicsOnSmallWindow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for window size < 3")
		}
	}()
	New(2)
}
