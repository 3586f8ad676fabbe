package engine

import (
	"sync"
	"time"
)

const (
	activityWindow  = 5 * time.Second
	pruneInterval   = 2 * time.Second
	burstDelayFloor = 75 * time.Millisecond
)

// DebounceDelays are the delay tiers an AdaptiveDebouncer picks from based on
// recent activity.
type DebounceDelays struct {
	Min  time.Duration
	Base time.Duration
	Max  time.Duration
}

// AdaptiveDebouncer schedules a callback after a delay derived from how busy
// the caller has been over the trailing five seconds: rapid activity tightens
// the delay down to a floor, sparse activity relaxes it. Each Debounce call
// cancels the previously scheduled callback.
type AdaptiveDebouncer struct {
	mu        sync.Mutex
	delays    DebounceDelays
	clock     func() time.Time
	window    []time.Time
	lastPrune time.Time
	timer     *time.Timer
	closed    bool
}

// NewAdaptiveDebouncer constructs a debouncer with the given delay tiers.
// A nil clock means time.Now.
func NewAdaptiveDebouncer(delays DebounceDelays, clock func() time.Time) *AdaptiveDebouncer {
	if clock == nil {
		clock = time.Now
	}
	return &AdaptiveDebouncer{delays: delays, clock: clock}
}

// Debounce records one activity sample and (re)schedules fn after the
// activity-derived delay, cancelling any previously pending callback.
func (d *AdaptiveDebouncer) Debounce(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	now := d.clock()
	d.window = append(d.window, now)
	// Pruning is deliberately lazy so a hot path does not rescan the window
	// on every call.
	if now.Sub(d.lastPrune) >= pruneInterval {
		d.prune(now)
	}
	delay := d.delayForActivity(len(d.window))

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
	d.mu.Unlock()
}

// Stop cancels any pending callback and rejects further scheduling.
func (d *AdaptiveDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *AdaptiveDebouncer) prune(now time.Time) {
	cutoff := now.Add(-activityWindow)
	kept := d.window[:0]
	for _, sample := range d.window {
		if sample.After(cutoff) {
			kept = append(kept, sample)
		}
	}
	d.window = kept
	d.lastPrune = now
}

func (d *AdaptiveDebouncer) delayForActivity(count int) time.Duration {
	switch {
	case count > 8:
		// Floor prevents thrashing even under extreme bursts.
		if d.delays.Min > burstDelayFloor {
			return d.delays.Min
		}
		return burstDelayFloor
	case count >= 5:
		return d.delays.Min
	case count >= 2:
		return d.delays.Base
	default:
		// The user paused to think; a slower response is acceptable.
		return d.delays.Max
	}
}
