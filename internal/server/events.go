package server

import (
	"context"
	"sync"
	"time"
)

// Version lifecycle event types fanned out to console sessions watching an
// entity. The console uses these to refresh its version panel without polling.
const (
	EventDraftSaved   = "draft-saved"
	EventPublished    = "published"
	EventReverted     = "reverted"
	EventRolledBack   = "rolled-back"
	EventReset        = "reset"
	eventHeartbeat    = "heartbeat"
	eventSourceSystem = "console-backend"
)

// LifecycleEvent describes a state-mutating operation applied to an entity.
type LifecycleEvent struct {
	EntityID  string
	EventType string
	VersionID string
	Timestamp time.Time
}

// EventDispatcher fans lifecycle events out to subscribers per entity.
// Slow subscribers are skipped rather than blocking the publisher.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan LifecycleEvent
}

// NewEventDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for the entity and returns its stream plus a
// cleanup function. The subscription also tears down when ctx is done.
func (d *EventDispatcher) Subscribe(ctx context.Context, entityID string) (<-chan LifecycleEvent, func()) {
	if entityID == "" {
		ch := make(chan LifecycleEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan LifecycleEvent, d.bufferSize),
	}
	d.registerSubscriber(entityID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(entityID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every live subscriber of its entity.
func (d *EventDispatcher) Publish(event LifecycleEvent) {
	if event.EntityID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.EntityID]
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

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(entityID string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[entityID]; !ok {
		d.subscribers[entityID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[entityID][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(entityID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[entityID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, entityID)
		}
	}
	d.mu.Unlock()
}
