package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
	"github.com/MarcoPoloResearchLab/tether/internal/mirror"
	"github.com/MarcoPoloResearchLab/tether/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func newTestQueue(t *testing.T) *SyncQueue {
	t.Helper()
	queue, err := NewSyncQueue(QueueConfig{Database: newTestDB(t)})
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
	return queue
}

func newTestMirror(t *testing.T) *mirror.Store {
	t.Helper()
	db := newTestDB(t)
	if err := mirror.Migrate(db); err != nil {
		t.Fatalf("failed to migrate mirror: %v", err)
	}
	store, err := mirror.NewStore(mirror.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected mirror error: %v", err)
	}
	return store
}

// steppedClock advances by a configurable step on every reading, which lets
// tests manufacture arbitrary write latencies.
type steppedClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newSteppedClock(start time.Time) *steppedClock {
	return &steppedClock{now: start}
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *steppedClock) SetStep(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}

// fakeRemote is a scriptable remote store. Every call is recorded; failures
// and conflicts are injected per test.
type fakeRemote struct {
	mu           sync.Mutex
	createCalls  []fakeCall
	updateCalls  []fakeCall
	nextID       int
	failAll      bool
	failErr      error
	conflictWith string
	created      map[string]string // clientRef -> assigned id
	callSignal   chan struct{}
	createGate   chan struct{} // when set, CreateRecord blocks on it before returning
}

type fakeCall struct {
	OwnerKey string
	RecordID string
	Content  []journal.Block
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		created:    make(map[string]string),
		callSignal: make(chan struct{}, 64),
	}
}

func (f *fakeRemote) CreateRecord(_ context.Context, ownerKey, clientRef string, content []journal.Block) (string, error) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, fakeCall{OwnerKey: ownerKey, RecordID: clientRef, Content: journal.CloneBlocks(content)})
	f.signal()
	gate := f.createGate

	assigned, err := func() (string, error) {
		if f.failAll {
			return "", f.failureError()
		}
		if f.conflictWith != "" {
			return "", &remote.ConflictError{ExistingID: f.conflictWith}
		}
		if existing, ok := f.created[clientRef]; ok {
			return "", &remote.ConflictError{ExistingID: existing}
		}
		f.nextID++
		id := fmt.Sprintf("perm-%d", f.nextID)
		f.created[clientRef] = id
		return id, nil
	}()
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return assigned, err
}

// failureError is called with f.mu held.
func (f *fakeRemote) failureError() error {
	if f.failErr != nil {
		return f.failErr
	}
	return errors.New("remote unavailable")
}

func (f *fakeRemote) UpdateRecord(_ context.Context, id, ownerKey string, content []journal.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, fakeCall{OwnerKey: ownerKey, RecordID: id, Content: journal.CloneBlocks(content)})
	f.signal()

	if f.failAll {
		return f.failureError()
	}
	return nil
}

func (f *fakeRemote) signal() {
	select {
	case f.callSignal <- struct{}{}:
	default:
	}
}

func (f *fakeRemote) setFailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

func (f *fakeRemote) setFailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err != nil
	f.failErr = err
}

func (f *fakeRemote) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.createCalls)
}

func (f *fakeRemote) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updateCalls)
}

func (f *fakeRemote) lastCreate() (fakeCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createCalls) == 0 {
		return fakeCall{}, false
	}
	return f.createCalls[len(f.createCalls)-1], true
}

func (f *fakeRemote) lastUpdate() (fakeCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updateCalls) == 0 {
		return fakeCall{}, false
	}
	return f.updateCalls[len(f.updateCalls)-1], true
}

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, message)
}

func fastTimings() Timings {
	return Timings{
		LocalDelays:   DebounceDelays{Min: 10 * time.Millisecond, Base: 10 * time.Millisecond, Max: 10 * time.Millisecond},
		SyncDelays:    DebounceDelays{Min: 10 * time.Millisecond, Base: 10 * time.Millisecond, Max: 10 * time.Millisecond},
		DrainInterval: 20 * time.Millisecond,
		RemoteTimeout: time.Second,
	}
}
