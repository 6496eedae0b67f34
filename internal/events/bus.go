// internal/events/bus.go
package events

import (
	"sync"

	"go.uber.org/zap"

	"sensor-reader/internal/model"
)

// Publisher accepts pipeline events without blocking the caller
type Publisher interface {
	Publish(event model.PipelineEvent)
}

// Bus fans pipeline events out to subscribers. Slow subscribers miss events
// rather than stalling the pipeline.
type Bus struct {
	subscribers map[model.EventType][]chan model.PipelineEvent
	events      chan model.PipelineEvent
	mutex       sync.RWMutex
	closed      bool
	done        chan struct{}
	logger      *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[model.EventType][]chan model.PipelineEvent),
		events:      make(chan model.PipelineEvent, 256),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Start distributes events until Stop is called
func (b *Bus) Start() {
	defer close(b.done)
	for event := range b.events {
		b.distributeEvent(event)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	for eventType, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(b.subscribers, eventType)
	}
}

// Stop closes the bus and every subscriber channel once queued events are
// distributed
func (b *Bus) Stop() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	close(b.events)
	b.mutex.Unlock()

	<-b.done
}

// Publish queues an event; it is dropped if the bus is full or stopped
func (b *Bus) Publish(event model.PipelineEvent) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if b.closed {
		return
	}

	select {
	case b.events <- event:
	default:
		b.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// Subscribe returns a channel receiving events of the given types
func (b *Bus) Subscribe(eventTypes ...model.EventType) <-chan model.PipelineEvent {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subscriber := make(chan model.PipelineEvent, 64)
	if b.closed {
		close(subscriber)
		return subscriber
	}
	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
	}
	return subscriber
}

// Unsubscribe removes and closes a channel returned by Subscribe
func (b *Bus) Unsubscribe(subscriber <-chan model.PipelineEvent) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var found chan model.PipelineEvent
	for eventType, subs := range b.subscribers {
		kept := subs[:0]
		for _, sub := range subs {
			if (<-chan model.PipelineEvent)(sub) == subscriber {
				found = sub
				continue
			}
			kept = append(kept, sub)
		}
		b.subscribers[eventType] = kept
	}
	if found != nil {
		close(found)
	}
}

// distributeEvent distributes an event to subscribers
func (b *Bus) distributeEvent(event model.PipelineEvent) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, subscriber := range b.subscribers[event.Type] {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
