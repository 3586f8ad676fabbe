package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
	"github.com/MarcoPoloResearchLab/tether/internal/mirror"
	"github.com/MarcoPoloResearchLab/tether/internal/remote"
	"go.uber.org/zap"
)

var (
	errMissingMirror = errors.New("mirror store is required")
	errMissingRemote = errors.New("remote store is required")
	errMissingQueue  = errors.New("sync queue is required")
	noOpEngineLogger = zap.NewNop()
)

// ServiceError carries an operation code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const opManagerNew = "engine.manager.new"

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RecordState is the per-record position in the sync lifecycle.
type RecordState string

const (
	// StateUnknown means the engine has not seen the record.
	StateUnknown RecordState = ""
	// StateLocalOnly means the record exists under a provisional identifier
	// and the remote store has never confirmed it.
	StateLocalOnly RecordState = "LOCAL_ONLY"
	// StateSyncing means a reconciliation is in flight.
	StateSyncing RecordState = "SYNCING"
	// StateSynced means the remote store holds the latest confirmed snapshot.
	StateSynced RecordState = "SYNCED"
	// StateQueuedRetry means the last reconciliation failed and the record
	// waits in the queue under backoff.
	StateQueuedRetry RecordState = "QUEUED_RETRY"
	// StateAbandoned means retries were exhausted and the record was dropped
	// from the queue; it survives in the local mirror only.
	StateAbandoned RecordState = "ABANDONED"
)

const (
	// DrainBatchSize bounds how many queue entries one drain pass dispatches.
	DrainBatchSize = 5

	// queueClearThreshold is the queue depth above which degradation
	// mitigation clears the queue outright.
	queueClearThreshold = 5
)

// Timings collects every tunable delay in the engine. Zero values fall back
// to defaults.
type Timings struct {
	// LocalDelays pace the change buffer's quiet period.
	LocalDelays DebounceDelays
	// SyncDelays pace background reconciliation after a flush; background
	// sync tolerates more latency than the editor does, so these run longer.
	SyncDelays DebounceDelays
	// DrainInterval spaces recurring queue drain passes.
	DrainInterval time.Duration
	// RemoteTimeout bounds each remote store call.
	RemoteTimeout time.Duration
}

func (t Timings) withDefaults() Timings {
	if t.LocalDelays == (DebounceDelays{}) {
		t.LocalDelays = DebounceDelays{Min: 50 * time.Millisecond, Base: 150 * time.Millisecond, Max: 500 * time.Millisecond}
	}
	if t.SyncDelays == (DebounceDelays{}) {
		t.SyncDelays = DebounceDelays{Min: 500 * time.Millisecond, Base: time.Second, Max: 3 * time.Second}
	}
	if t.DrainInterval == 0 {
		t.DrainInterval = 2 * time.Second
	}
	if t.RemoteTimeout == 0 {
		t.RemoteTimeout = 15 * time.Second
	}
	return t
}

// ManagerConfig captures the dependencies of the sync manager.
type ManagerConfig struct {
	Mirror     *mirror.Store
	Remote     remote.Store
	Queue      *SyncQueue
	Dispatcher *Dispatcher
	Logger     *zap.Logger
	Clock      func() time.Time
	Timings    Timings
}

// Manager orchestrates the engine: edits land in the local mirror
// immediately, coalesce in the change buffer, and reconcile with the remote
// store in the background with queued retries. It exclusively owns the
// metrics and the sync queue.
type Manager struct {
	mu         sync.Mutex
	mirror     *mirror.Store
	remote     remote.Store
	queue      *SyncQueue
	dispatcher *Dispatcher
	logger     *zap.Logger
	clock      func() time.Time
	timings    Timings

	buffer       *ChangeBuffer
	syncDebounce *AdaptiveDebouncer
	timers       *timerSet
	metrics      *metrics

	ownerKey   string
	online     bool
	destroyed  bool
	drainArmed bool
	dirty      map[string][]journal.Block
	states     map[string]RecordState
}

// NewManager constructs the sync manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Mirror == nil {
		return nil, newServiceError(opManagerNew, "missing_mirror", errMissingMirror)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opManagerNew, "missing_remote", errMissingRemote)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opManagerNew, "missing_queue", errMissingQueue)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpEngineLogger
	}

	manager := &Manager{
		mirror:     cfg.Mirror,
		remote:     cfg.Remote,
		queue:      cfg.Queue,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		clock:      clock,
		timings:    cfg.Timings.withDefaults(),
		timers:     newTimerSet(),
		metrics:    newMetrics(),
		online:     true,
		dirty:      make(map[string][]journal.Block),
		states:     make(map[string]RecordState),
	}
	manager.buffer = NewChangeBuffer(BufferConfig{
		Delays:  manager.timings.LocalDelays,
		Clock:   clock,
		OnFlush: manager.handleFlush,
	})
	manager.syncDebounce = NewAdaptiveDebouncer(manager.timings.SyncDelays, clock)

	return manager, nil
}

// UpdateFast is the editor-facing entry point: fire-and-forget, never fails
// from the caller's perspective. The mirror write is synchronous and
// best-effort; the network never sits on this path.
func (m *Manager) UpdateFast(recordID string, content []journal.Block) {
	if recordID == "" {
		return
	}
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	owner := m.ownerKey
	if _, ok := m.states[recordID]; !ok {
		if journal.IsProvisionalID(recordID) {
			m.states[recordID] = StateLocalOnly
		} else {
			m.states[recordID] = StateSynced
		}
	}
	m.mu.Unlock()

	start := m.clock()
	if owner == "" {
		// Not an error: edits made before login stay in memory until an
		// owner key binds, at which point Flush mirrors them.
		m.logger.Debug("mirror write skipped", zap.String("record_id", recordID), zap.String("reason", "no_owner_key"))
	} else if err := m.mirror.Write(journal.Record{
		ID:               recordID,
		OwnerKey:         owner,
		Content:          content,
		UpdatedAtSeconds: start.UTC().Unix(),
	}); err != nil {
		// Local persistence failures are swallowed: in-memory state is still
		// correct. They stay observable through the metrics surface.
		m.metrics.recordMirrorFailure()
		m.logger.Warn("mirror write failed", zap.String("record_id", recordID), zap.Error(err))
	}
	latency := m.clock().Sub(start)

	m.buffer.AddChange(recordID, content)

	raised, recovered := m.metrics.recordWrite(latency, m.clock())
	if raised {
		m.mitigateDegradation(owner, latency)
	}
	if recovered {
		m.logger.Info("write latency recovered")
		m.publish(owner, "", EventRecovered)
	}
}

// SetOwnerKey binds or rebinds the mirror namespace when the active user
// changes, and kicks off reconciliation of anything written before login.
// An empty key unbinds; anything else must pass owner-key validation.
func (m *Manager) SetOwnerKey(key string) {
	if key != "" {
		validated, err := journal.NewOwnerKey(key)
		if err != nil {
			m.logger.Warn("rejecting invalid owner key", zap.Error(err))
			return
		}
		key = validated.String()
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.ownerKey = key
	hasDirty := len(m.dirty) > 0
	m.mu.Unlock()

	if key == "" {
		return
	}
	if hasDirty {
		m.syncDebounce.Debounce(m.reconcileDirty)
	}
	if depth, err := m.queue.Len(key); err == nil && depth > 0 {
		m.armDrainTimer()
	}
}

// SetOnline flips the connectivity hint. Going online drains the full queue
// immediately; going offline only flips the flag, in-flight work continues.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.destroyed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	owner := m.ownerKey
	hasDirty := len(m.dirty) > 0
	m.mu.Unlock()

	if !online {
		m.logger.Info("connectivity lost; queueing further reconciliation")
		return
	}

	m.logger.Info("connectivity restored; draining sync queue")
	if hasDirty {
		m.syncDebounce.Debounce(m.reconcileDirty)
	}
	go m.drainAll(owner)
}

// Metrics returns the introspection snapshot.
func (m *Manager) Metrics() MetricsSnapshot {
	m.mu.Lock()
	owner := m.ownerKey
	m.mu.Unlock()

	snapshot := m.metrics.snapshot()
	snapshot.PendingChanges = m.buffer.Len()
	if owner != "" {
		if depth, err := m.queue.Len(owner); err == nil {
			snapshot.QueueDepth = depth
		}
	}
	return snapshot
}

// RecordState reports where a record sits in the sync lifecycle.
func (m *Manager) RecordState(recordID string) RecordState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[recordID]
}

// Subscribe streams lifecycle events for the currently bound owner.
func (m *Manager) Subscribe(ctx context.Context) (<-chan Event, func()) {
	m.mu.Lock()
	owner := m.ownerKey
	dispatcher := m.dispatcher
	m.mu.Unlock()
	if dispatcher == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	return dispatcher.Subscribe(ctx, owner)
}

// Destroy cancels every outstanding timer deterministically and stops the
// engine. Pending buffered changes are dropped; they are already reflected in
// the mirror via the immediate-write path.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.dirty = make(map[string][]journal.Block)
	m.mu.Unlock()

	m.buffer.Close()
	m.syncDebounce.Stop()
	m.timers.Stop()
	m.logger.Info("sync engine destroyed")
}

// handleFlush receives coalesced batches from the change buffer and merges
// them into the dirty set, then paces reconciliation through the slower
// debouncer.
func (m *Manager) handleFlush(changes map[string]PendingChange) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	for recordID, change := range changes {
		m.dirty[recordID] = change.Content
	}
	m.mu.Unlock()

	m.syncDebounce.Debounce(m.reconcileDirty)
}

// reconcileDirty swaps the dirty set out and reconciles each record. Records
// are dispatched concurrently so one slow or failing record never blocks the
// rest of the batch.
func (m *Manager) reconcileDirty() {
	m.mu.Lock()
	if m.destroyed || len(m.dirty) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.dirty
	m.dirty = make(map[string][]journal.Block)
	owner := m.ownerKey
	online := m.online
	m.mu.Unlock()

	if owner == "" {
		// No mirror namespace to queue under yet; hold the records until
		// SetOwnerKey re-triggers reconciliation.
		m.mu.Lock()
		if !m.destroyed {
			for recordID, content := range batch {
				if _, exists := m.dirty[recordID]; !exists {
					m.dirty[recordID] = content
				}
			}
		}
		m.mu.Unlock()
		return
	}

	if !online {
		now := m.clock()
		for recordID, content := range batch {
			m.enqueueForRetry(owner, recordID, content, 0, now)
		}
		m.armDrainTimer()
		return
	}

	var wg sync.WaitGroup
	for recordID, content := range batch {
		wg.Add(1)
		go func(recordID string, content []journal.Block) {
			defer wg.Done()
			m.dispatchRecord(owner, recordID, content, 0)
		}(recordID, content)
	}
	wg.Wait()
}

// dispatchRecord performs one reconciliation attempt: create for provisional
// identifiers, update for permanent ones, with the uniqueness-conflict
// fallback in between.
func (m *Manager) dispatchRecord(owner, recordID string, content []journal.Block, retryCount int) {
	m.setState(recordID, StateSyncing)

	ctx, cancel := context.WithTimeout(context.Background(), m.timings.RemoteTimeout)
	defer cancel()

	if journal.IsProvisionalID(recordID) {
		permanentID, err := m.remote.CreateRecord(ctx, owner, recordID, content)
		if err == nil {
			m.finishCreate(owner, recordID, permanentID)
			return
		}
		if conflict, ok := remote.AsConflict(err); ok && conflict.ExistingID != "" {
			// A retry overlapped an earlier successful create. The record
			// already exists; reclassify into an update instead of failing.
			m.logger.Debug("create conflict, falling back to update",
				zap.String("record_id", recordID),
				zap.String("existing_id", conflict.ExistingID))
			if updateErr := m.remote.UpdateRecord(ctx, conflict.ExistingID, owner, content); updateErr != nil {
				m.handleRemoteFailure(owner, recordID, content, retryCount, updateErr)
				return
			}
			m.finishCreate(owner, recordID, conflict.ExistingID)
			return
		}
		m.handleRemoteFailure(owner, recordID, content, retryCount, err)
		return
	}

	if err := m.remote.UpdateRecord(ctx, recordID, owner, content); err != nil {
		m.handleRemoteFailure(owner, recordID, content, retryCount, err)
		return
	}
	m.finishUpdate(owner, recordID)
}

// finishCreate promotes the provisional identifier to the permanent one and
// clears any queue entry held under the old identifier. The mirror keeps its
// stored content through the relabel; the dispatched snapshot may already be
// stale if the editor kept typing during the create.
func (m *Manager) finishCreate(owner, provisionalID, permanentID string) {
	if err := m.mirror.PromoteID(owner, provisionalID, permanentID); err != nil {
		m.logger.Warn("identifier promotion failed",
			zap.String("provisional_id", provisionalID),
			zap.String("permanent_id", permanentID),
			zap.Error(err))
	}
	if err := m.queue.Remove(owner, provisionalID); err != nil {
		m.logger.Warn("queue cleanup failed", zap.String("record_id", provisionalID), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.states, provisionalID)
	m.states[permanentID] = StateSynced
	m.mu.Unlock()

	m.publish(owner, permanentID, EventRecordSynced)
}

func (m *Manager) finishUpdate(owner, recordID string) {
	if err := m.queue.Remove(owner, recordID); err != nil {
		m.logger.Warn("queue cleanup failed", zap.String("record_id", recordID), zap.Error(err))
	}
	m.setState(recordID, StateSynced)
	m.publish(owner, recordID, EventRecordSynced)
}

// handleRemoteFailure re-enqueues with capped exponential backoff, or drops
// the entry once retries are exhausted. An expired bearer token never reached
// the network, so it is held like an offline edit instead of burning a retry.
func (m *Manager) handleRemoteFailure(owner, recordID string, content []journal.Block, retryCount int, cause error) {
	if errors.Is(cause, remote.ErrTokenExpired) {
		m.logger.Warn("bearer token expired, holding record until refresh",
			zap.String("record_id", recordID))
		m.enqueueForRetry(owner, recordID, content, retryCount, m.clock())
		m.armDrainTimer()
		return
	}

	m.metrics.recordRemoteFailure()

	nextRetry := retryCount + 1
	if nextRetry > MaxRetries {
		if err := m.queue.Remove(owner, recordID); err != nil {
			m.logger.Warn("queue cleanup failed", zap.String("record_id", recordID), zap.Error(err))
		}
		m.setState(recordID, StateAbandoned)
		// The local mirror still holds the data; only the remote copy
		// diverges until a future edit re-triggers sync.
		m.logger.Warn("record dropped after retry exhaustion",
			zap.String("record_id", recordID),
			zap.Int("retries", retryCount),
			zap.Error(cause))
		m.publish(owner, recordID, EventRecordAbandoned)
		return
	}

	m.logger.Debug("reconciliation failed, queued for retry",
		zap.String("record_id", recordID),
		zap.Int("retry", nextRetry),
		zap.Duration("backoff", RetryDelay(nextRetry)),
		zap.Error(cause))
	m.enqueueForRetry(owner, recordID, content, nextRetry, m.clock())
	m.armDrainTimer()
}

func (m *Manager) enqueueForRetry(owner, recordID string, content []journal.Block, retryCount int, now time.Time) {
	var nextAttempt time.Time
	if retryCount == 0 {
		nextAttempt = now
	} else {
		nextAttempt = now.Add(RetryDelay(retryCount))
	}
	entry := QueueEntry{
		OwnerKey:      owner,
		RecordID:      recordID,
		Content:       journal.CloneBlocks(content),
		EnqueuedAt:    now,
		RetryCount:    retryCount,
		NextAttemptAt: nextAttempt,
	}
	if err := m.queue.Enqueue(entry); err != nil {
		m.logger.Error("failed to enqueue record for retry",
			zap.String("record_id", recordID),
			zap.Error(err))
		return
	}
	m.setState(recordID, StateQueuedRetry)
	m.publish(owner, recordID, EventRecordQueued)
}

// armDrainTimer schedules one drain pass unless one is already scheduled.
func (m *Manager) armDrainTimer() {
	m.mu.Lock()
	if m.destroyed || m.drainArmed {
		m.mu.Unlock()
		return
	}
	m.drainArmed = true
	m.mu.Unlock()

	m.timers.After(m.timings.DrainInterval, m.drainBatch)
}

// drainBatch dispatches up to DrainBatchSize due entries concurrently and
// reschedules itself while entries remain.
func (m *Manager) drainBatch() {
	m.mu.Lock()
	m.drainArmed = false
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	owner := m.ownerKey
	online := m.online
	m.mu.Unlock()

	if owner == "" {
		return
	}
	if !online {
		m.armDrainTimer()
		return
	}

	entries, err := m.queue.Ready(owner, m.clock(), DrainBatchSize)
	if err != nil {
		m.logger.Error("failed to read sync queue", zap.Error(err))
		m.armDrainTimer()
		return
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry QueueEntry) {
			defer wg.Done()
			m.dispatchRecord(owner, entry.RecordID, entry.Content, entry.RetryCount)
		}(entry)
	}
	wg.Wait()

	if depth, err := m.queue.Len(owner); err == nil && depth > 0 {
		m.armDrainTimer()
	}
}

// drainAll attempts every queued entry immediately, ignoring backoff timing;
// the online transition is the one moment the engine bypasses its own pacing.
// Entries that fail again fall back to the timer-driven drain.
func (m *Manager) drainAll(owner string) {
	if owner == "" {
		return
	}
	entries, err := m.queue.Ready(owner, m.clock().Add(retryDelayCap), 0)
	if err != nil {
		m.logger.Error("failed to read sync queue", zap.Error(err))
		return
	}

	for start := 0; start < len(entries); start += DrainBatchSize {
		m.mu.Lock()
		stopped := m.destroyed || !m.online
		m.mu.Unlock()
		if stopped {
			return
		}

		end := start + DrainBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		var wg sync.WaitGroup
		for _, entry := range entries[start:end] {
			wg.Add(1)
			go func(entry QueueEntry) {
				defer wg.Done()
				m.dispatchRecord(owner, entry.RecordID, entry.Content, entry.RetryCount)
			}(entry)
		}
		wg.Wait()
	}

	if depth, err := m.queue.Len(owner); err == nil && depth > 0 {
		m.armDrainTimer()
	}
}

// mitigateDegradation forces pending work through and sheds queue depth so
// the engine can recover responsiveness.
func (m *Manager) mitigateDegradation(owner string, latency time.Duration) {
	m.logger.Warn("write latency degraded, throttling sync",
		zap.Duration("latency", latency),
		zap.Duration("threshold", DegradedLatencyThreshold))
	m.publish(owner, "", EventDegraded)

	m.buffer.Flush()

	if owner == "" {
		return
	}
	depth, err := m.queue.Len(owner)
	if err != nil {
		m.logger.Error("failed to read sync queue", zap.Error(err))
		return
	}
	if depth > queueClearThreshold {
		if err := m.queue.Clear(owner); err != nil {
			m.logger.Error("failed to clear sync queue", zap.Error(err))
			return
		}
		m.logger.Warn("sync queue cleared under degradation", zap.Int("dropped", depth))
	}
}

func (m *Manager) setState(recordID string, state RecordState) {
	m.mu.Lock()
	if !m.destroyed {
		m.states[recordID] = state
	}
	m.mu.Unlock()
}

func (m *Manager) publish(owner, recordID string, eventType EventType) {
	if m.dispatcher == nil || owner == "" {
		return
	}
	m.dispatcher.Publish(Event{
		OwnerKey:  owner,
		RecordID:  recordID,
		Type:      eventType,
		Timestamp: m.clock(),
	})
}
