package engine

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
)

// PendingChange is the latest unflushed content for one record.
type PendingChange struct {
	Content   []journal.Block
	Timestamp time.Time
}

// FlushFunc receives the coalesced batch of pending changes, keyed by record
// identifier.
type FlushFunc func(changes map[string]PendingChange)

// BufferConfig captures the dependencies of a ChangeBuffer.
type BufferConfig struct {
	// Delays drive the quiet-period length through an adaptive debouncer:
	// with all three tiers equal the buffer behaves as a fixed-delay flush
	// timer.
	Delays  DebounceDelays
	Clock   func() time.Time
	OnFlush FlushFunc
}

// ChangeBuffer accumulates the latest edit per record and flushes the whole
// batch after a quiet period. A second edit to the same record before the
// flush replaces the pending change rather than appending one.
type ChangeBuffer struct {
	mu       sync.Mutex
	pending  map[string]PendingChange
	debounce *AdaptiveDebouncer
	clock    func() time.Time
	onFlush  FlushFunc
	closed   bool
}

// NewChangeBuffer constructs a change buffer.
func NewChangeBuffer(cfg BufferConfig) *ChangeBuffer {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	buffer := &ChangeBuffer{
		pending: make(map[string]PendingChange),
		clock:   clock,
		onFlush: cfg.OnFlush,
	}
	buffer.debounce = NewAdaptiveDebouncer(cfg.Delays, clock)
	return buffer
}

// AddChange stores or replaces the latest content for the record and restarts
// the flush timer. The content is deep-copied: the caller's slice keeps being
// mutated by the editor after this call.
func (b *ChangeBuffer) AddChange(recordID string, content []journal.Block) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending[recordID] = PendingChange{
		Content:   journal.CloneBlocks(content),
		Timestamp: b.clock(),
	}
	debounce := b.debounce
	b.mu.Unlock()

	debounce.Debounce(b.flush)
}

// Len reports how many records currently have unflushed changes.
func (b *ChangeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush forces an immediate flush of whatever is pending, bypassing the quiet
// period. Used by degradation mitigation to stop accumulating work.
func (b *ChangeBuffer) Flush() {
	b.flush()
}

// Clear cancels the pending flush and drops all buffered changes without
// invoking the callback. The dropped edits are expected to already be in the
// local mirror via the immediate-write path.
func (b *ChangeBuffer) Clear() {
	b.mu.Lock()
	b.pending = make(map[string]PendingChange)
	stopped := b.debounce
	// A stopped debouncer is single-use; swap in a fresh one so the buffer
	// keeps accepting edits unless Close was called.
	if !b.closed {
		b.debounce = NewAdaptiveDebouncer(stopped.delays, b.clock)
	}
	b.mu.Unlock()
	stopped.Stop()
}

// Close permanently stops the buffer, dropping pending changes.
func (b *ChangeBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.pending = make(map[string]PendingChange)
	stopped := b.debounce
	b.mu.Unlock()
	stopped.Stop()
}

// flush swaps the pending map out atomically so new AddChange calls never
// race with an in-flight flush, then dispatches the batch off the timer
// goroutine so flush processing never blocks whoever triggered it.
func (b *ChangeBuffer) flush() {
	b.mu.Lock()
	if b.closed || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string]PendingChange)
	onFlush := b.onFlush
	b.mu.Unlock()

	if onFlush == nil {
		return
	}
	go onFlush(batch)
}
