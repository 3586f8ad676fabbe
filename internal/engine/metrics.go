package engine

import (
	"sync"
	"time"
)

const (
	// DegradedLatencyThreshold is the write latency above which the engine
	// flags itself degraded.
	DegradedLatencyThreshold = 200 * time.Millisecond

	latencyWindowSize      = 20
	recoverySampleCount    = 5
	recoveryLatencyPercent = 70
)

// MetricsSnapshot is the introspection surface for external monitoring and
// tests. Counters reset only on process restart.
type MetricsSnapshot struct {
	TotalWrites         int64
	FailedWrites        int64
	MirrorWriteFailures int64
	AvgLatency          time.Duration
	PendingChanges      int
	QueueDepth          int
	Degraded            bool
	DegradedSince       time.Time
}

// metrics holds process-wide write counters and the degradation flag. Owned
// exclusively by the Manager.
type metrics struct {
	mu                  sync.Mutex
	totalWrites         int64
	failedWrites        int64
	mirrorWriteFailures int64
	latencySum          time.Duration
	latencies           []time.Duration
	degraded            bool
	degradedSince       time.Time
}

func newMetrics() *metrics {
	return &metrics{latencies: make([]time.Duration, 0, latencyWindowSize)}
}

// recordWrite folds one write latency into the counters and evaluates the
// degradation state. Returns whether this sample raised the degraded flag and
// whether it cleared it.
func (m *metrics) recordWrite(latency time.Duration, now time.Time) (raised, recovered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalWrites++
	m.latencySum += latency
	m.latencies = append(m.latencies, latency)
	if len(m.latencies) > latencyWindowSize {
		m.latencies = m.latencies[1:]
	}

	if !m.degraded && latency > DegradedLatencyThreshold {
		m.degraded = true
		m.degradedSince = now
		return true, false
	}

	if m.degraded && m.recentAverageBelowRecovery() {
		m.degraded = false
		m.degradedSince = time.Time{}
		return false, true
	}

	return false, false
}

// recentAverageBelowRecovery reports whether the most recent samples average
// under the recovery threshold (70% of the degradation threshold).
func (m *metrics) recentAverageBelowRecovery() bool {
	if len(m.latencies) < recoverySampleCount {
		return false
	}
	recent := m.latencies[len(m.latencies)-recoverySampleCount:]
	var sum time.Duration
	for _, sample := range recent {
		sum += sample
	}
	average := sum / recoverySampleCount
	recoveryThreshold := DegradedLatencyThreshold * recoveryLatencyPercent / 100
	return average < recoveryThreshold
}

func (m *metrics) recordRemoteFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedWrites++
}

func (m *metrics) recordMirrorFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrorWriteFailures++
}

func (m *metrics) isDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := MetricsSnapshot{
		TotalWrites:         m.totalWrites,
		FailedWrites:        m.failedWrites,
		MirrorWriteFailures: m.mirrorWriteFailures,
		Degraded:            m.degraded,
		DegradedSince:       m.degradedSince,
	}
	if m.totalWrites > 0 {
		snapshot.AvgLatency = m.latencySum / time.Duration(m.totalWrites)
	}
	return snapshot
}
