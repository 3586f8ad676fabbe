package engine

import (
	"context"
	"sync"
	"time"
)

// EventType enumerates the lifecycle transitions the engine publishes.
type EventType string

const (
	// EventRecordSynced fires when the remote store confirms a record.
	EventRecordSynced EventType = "record-synced"
	// EventRecordQueued fires when a record enters the retry queue.
	EventRecordQueued EventType = "record-queued"
	// EventRecordAbandoned fires when retries are exhausted and the entry is
	// dropped from the queue.
	EventRecordAbandoned EventType = "record-abandoned"
	// EventDegraded fires when the engine flags itself degraded.
	EventDegraded EventType = "engine-degraded"
	// EventRecovered fires when the degraded flag clears.
	EventRecovered EventType = "engine-recovered"
)

// Event is one engine lifecycle notification.
type Event struct {
	OwnerKey  string
	RecordID  string
	Type      EventType
	Timestamp time.Time
}

// Dispatcher fans engine events out to per-owner subscribers. Publishing
// never blocks: a subscriber that falls behind loses events.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an event dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream of events for the owner. The returned cleanup
// unsubscribes; cancelling the context does too.
func (d *Dispatcher) Subscribe(ctx context.Context, ownerKey string) (<-chan Event, func()) {
	if ownerKey == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(ownerKey, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(ownerKey, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its owner.
func (d *Dispatcher) Publish(event Event) {
	if event.OwnerKey == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.OwnerKey]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(ownerKey string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerKey]; !ok {
		d.subscribers[ownerKey] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[ownerKey][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(ownerKey string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[ownerKey]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, ownerKey)
		}
	}
	d.mu.Unlock()
}
