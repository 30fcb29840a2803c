package dashboard

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// EventCallback receives the payload published for an event key.
type EventCallback func(payload any)

type busSubscriber struct {
	id       uint64
	callback EventCallback
}

// Bus is the in-process subscription bus. Callbacks for a key run in
// registration order on the publisher's goroutine; a panicking callback is
// contained and the remaining callbacks still run.
type Bus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[string][]busSubscriber
	logger      zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: map[string][]busSubscriber{},
		logger:      logger,
	}
}

// Subscribe registers a callback for an event key and returns an unsubscribe
// function. Calling it more than once is harmless.
func (b *Bus) Subscribe(event string, callback EventCallback) func() {
	if b == nil || callback == nil {
		return func() {}
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[event] = append(b.subscribers[event], busSubscriber{id: id, callback: callback})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(event, id)
		})
	}
}

// Publish delivers payload to every callback registered for the event key.
// Events with no subscribers are dropped silently.
func (b *Bus) Publish(event string, payload any) {
	if b == nil {
		return
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	b.mu.Lock()
	registered := b.subscribers[event]
	snapshot := make([]busSubscriber, len(registered))
	copy(snapshot, registered)
	b.mu.Unlock()

	for _, subscriber := range snapshot {
		b.invoke(event, subscriber, payload)
	}
}

// SubscriberCount reports how many callbacks are registered for an event key.
func (b *Bus) SubscriberCount(event string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[strings.TrimSpace(event)])
}

func (b *Bus) invoke(event string, subscriber busSubscriber, payload any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error().
				Str("event", event).
				Interface("panic", recovered).
				Msg("event subscriber panicked")
		}
	}()
	subscriber.callback(payload)
}

func (b *Bus) unsubscribe(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	registered := b.subscribers[event]
	for i, subscriber := range registered {
		if subscriber.id == id {
			b.subscribers[event] = append(registered[:i:i], registered[i+1:]...)
			break
		}
	}
	if len(b.subscribers[event]) == 0 {
		delete(b.subscribers, event)
	}
}
