package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/tempvoice/internal/logging"
	"github.com/msageha/tempvoice/internal/model"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventIntentEnqueued EventType = "intent_enqueued"
	EventIntentDequeued EventType = "intent_dequeued"
	EventIntentDropped  EventType = "intent_dropped"
	EventIntentExpired  EventType = "intent_expired"
	EventQueuePressure  EventType = "queue_pressure"
)

// IntentEventTypes lists every event the queue emits.
var IntentEventTypes = []EventType{
	EventIntentEnqueued,
	EventIntentDequeued,
	EventIntentDropped,
	EventIntentExpired,
	EventQueuePressure,
}

// Event represents a system event.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber owns a
// buffered channel drained by its own goroutine; when the channel is full
// the event is dropped for that subscriber and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	logger      *logging.Logger
	dropped     atomic.Uint64
	now         func() time.Time
	wg          sync.WaitGroup
}

func NewBus(bufferSize int, logger *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		logger:      logger.With("events"),
		now:         time.Now,
	}
}

// Subscribe registers fn for eventType and returns the unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	b.wg.Add(1)
	go b.deliver(ch, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for several event types at once.
func (b *Bus) SubscribeAll(types []EventType, fn Subscriber) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) deliver(ch chan Event, fn Subscriber) {
	defer b.wg.Done()
	for event := range ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Errorf("subscriber_panic type=%s id=%s panic=%v", event.Type, event.ID, r)
				}
			}()
			fn(event)
		}()
	}
}

// Publish never blocks.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := b.subscribers[eventType]
	if len(subscribers) == 0 {
		return
	}
	id, _ := model.GenerateID(model.IDTypeEvent)
	event := Event{
		ID:        id,
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Data:      data,
	}
	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debugf("event_dropped type=%s id=%s", eventType, id)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels, clears subscriptions and waits until
// every subscriber has handled the events already buffered for it.
func (b *Bus) Close() {
	b.mu.Lock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
