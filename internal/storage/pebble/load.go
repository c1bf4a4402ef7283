package pebblestore

import (
	"sync"
	"time"
)

// LoadMonitor is a MetricsHook that tracks an exponentially weighted moving
// average of batch-commit latency and exposes an overload signal.
//
// The worker pool polls Overloaded to shed concurrency when the durable tier
// falls behind, instead of rejecting already-admitted work.
type LoadMonitor struct {
	mu sync.Mutex
	// ewmaMs is the smoothed commit latency in milliseconds.
	ewmaMs float64
	// threshold is the latency above which the store counts as overloaded.
	threshold time.Duration
}

// ewmaAlpha weights the newest sample; ~20 samples of history.
const ewmaAlpha = 0.1

// NewLoadMonitor creates a monitor that reports overload when smoothed
// commit latency exceeds threshold. A zero threshold disables the signal.
func NewLoadMonitor(threshold time.Duration) *LoadMonitor {
	return &LoadMonitor{threshold: threshold}
}

// ObserveRead is part of MetricsHook; reads do not feed the overload signal.
func (m *LoadMonitor) ObserveRead(time.Duration, int) {}

// ObserveBatchCommit folds one commit latency sample into the average.
func (m *LoadMonitor) ObserveBatchCommit(elapsed time.Duration, _ int) {
	ms := float64(elapsed.Microseconds()) / 1000.0
	m.mu.Lock()
	if m.ewmaMs == 0 {
		m.ewmaMs = ms
	} else {
		m.ewmaMs = ewmaAlpha*ms + (1-ewmaAlpha)*m.ewmaMs
	}
	m.mu.Unlock()
}

// Overloaded reports whether smoothed commit latency exceeds the threshold.
func (m *LoadMonitor) Overloaded() bool {
	if m == nil || m.threshold <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ewmaMs > float64(m.threshold.Milliseconds())
}

// CommitLatency returns the current smoothed commit latency.
func (m *LoadMonitor) CommitLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.ewmaMs * float64(time.Millisecond))
}
