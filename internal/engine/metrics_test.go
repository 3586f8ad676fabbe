package engine

import (
	"testing"
	"time"
)

func TestSlowWriteRaisesDegradation(t *testing.T) {
	tracker := newMetrics()
	now := time.Unix(1700000000, 0)

	raised, recovered := tracker.recordWrite(50*time.Millisecond, now)
	if raised || recovered {
		t.Fatalf("fast write must not change state, got raised=%v recovered=%v", raised, recovered)
	}

	// Exactly at the threshold is still healthy.
	raised, _ = tracker.recordWrite(DegradedLatencyThreshold, now)
	if raised {
		t.Fatalf("write at the threshold must not raise degradation")
	}

	raised, _ = tracker.recordWrite(DegradedLatencyThreshold+time.Millisecond, now)
	if !raised {
		t.Fatalf("write above the threshold must raise degradation")
	}

	snapshot := tracker.snapshot()
	if !snapshot.Degraded {
		t.Fatalf("expected degraded snapshot")
	}
	if !snapshot.DegradedSince.Equal(now) {
		t.Fatalf("expected degradation timestamp %v, got %v", now, snapshot.DegradedSince)
	}

	// A second slow write while already degraded does not re-raise.
	raised, _ = tracker.recordWrite(300*time.Millisecond, now.Add(time.Second))
	if raised {
		t.Fatalf("degradation must only raise on the transition")
	}
}

func TestRecoveryNeedsFiveFastSamples(t *testing.T) {
	tracker := newMetrics()
	now := time.Unix(1700000000, 0)

	if raised, _ := tracker.recordWrite(250*time.Millisecond, now); !raised {
		t.Fatalf("expected degradation to raise")
	}

	// The first three fast samples leave the window short of five entries, so
	// no recovery yet.
	for i := 0; i < 3; i++ {
		if _, recovered := tracker.recordWrite(10*time.Millisecond, now); recovered {
			t.Fatalf("recovered after only %d fast samples", i+1)
		}
	}
	// Fifth-from-last is still the 250ms sample: average (250+10*4)/5 = 58ms,
	// which is under the bar, so this one recovers.
	_, recovered := tracker.recordWrite(10*time.Millisecond, now)
	if !recovered {
		t.Fatalf("expected recovery once the recent average fell below the bar")
	}

	snapshot := tracker.snapshot()
	if snapshot.Degraded {
		t.Fatalf("expected healthy snapshot after recovery")
	}
	if !snapshot.DegradedSince.IsZero() {
		t.Fatalf("expected degradation timestamp cleared, got %v", snapshot.DegradedSince)
	}
}

func TestRecoveryBlockedByElevatedAverage(t *testing.T) {
	tracker := newMetrics()
	now := time.Unix(1700000000, 0)

	tracker.recordWrite(250*time.Millisecond, now)

	// Samples around 150ms keep the five-sample average at or above 70% of
	// the threshold (140ms), so degradation persists.
	for i := 0; i < 10; i++ {
		if _, recovered := tracker.recordWrite(150*time.Millisecond, now); recovered {
			t.Fatalf("recovered with average above the recovery bar")
		}
	}
	if !tracker.isDegraded() {
		t.Fatalf("expected degradation to persist")
	}

	// Dropping under 140ms average clears it.
	var recovered bool
	for i := 0; i < recoverySampleCount; i++ {
		_, recovered = tracker.recordWrite(100*time.Millisecond, now)
	}
	if !recovered {
		t.Fatalf("expected recovery after five sub-140ms samples")
	}
}

func TestFailureCountersAreIndependent(t *testing.T) {
	tracker := newMetrics()
	now := time.Unix(1700000000, 0)

	tracker.recordWrite(10*time.Millisecond, now)
	tracker.recordWrite(30*time.Millisecond, now)
	tracker.recordRemoteFailure()
	tracker.recordRemoteFailure()
	tracker.recordRemoteFailure()
	tracker.recordMirrorFailure()

	snapshot := tracker.snapshot()
	if snapshot.TotalWrites != 2 {
		t.Fatalf("expected 2 writes, got %d", snapshot.TotalWrites)
	}
	if snapshot.FailedWrites != 3 {
		t.Fatalf("expected 3 remote failures, got %d", snapshot.FailedWrites)
	}
	if snapshot.MirrorWriteFailures != 1 {
		t.Fatalf("expected 1 mirror failure, got %d", snapshot.MirrorWriteFailures)
	}
	if snapshot.AvgLatency != 20*time.Millisecond {
		t.Fatalf("expected 20ms average latency, got %v", snapshot.AvgLatency)
	}
}

func TestLatencyWindowIsBounded(t *testing.T) {
	tracker := newMetrics()
	now := time.Unix(1700000000, 0)

	for i := 0; i < latencyWindowSize*2; i++ {
		tracker.recordWrite(time.Millisecond, now)
	}
	if got := len(tracker.latencies); got != latencyWindowSize {
		t.Fatalf("expected window capped at %d, got %d", latencyWindowSize, got)
	}
}
