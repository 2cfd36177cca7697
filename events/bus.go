// Package events provides a lightweight pub/sub event bus for runtime observability.
package events

import "sync"

// Listener is a function that handles events.
type Listener func(*Event)

// Bus manages event distribution to listeners. Publishing is asynchronous;
// Close waits for in-flight deliveries so tests and shutdown paths do not
// leak goroutines.
type Bus struct {
	mu              sync.RWMutex
	listeners       map[EventType][]*entry
	globalListeners []*entry
	inflight        sync.WaitGroup
	closed          bool
}

type entry struct {
	fn Listener
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[EventType][]*entry),
	}
}

// Subscribe registers a listener for a specific event type and returns a
// function that removes it.
func (b *Bus) Subscribe(eventType EventType, listener Listener) func() {
	e := &entry{fn: listener}
	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], e)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.listeners[eventType] = remove(b.listeners[eventType], e)
	}
}

// SubscribeAll registers a listener for all event types and returns a
// function that removes it.
func (b *Bus) SubscribeAll(listener Listener) func() {
	e := &entry{fn: listener}
	b.mu.Lock()
	b.globalListeners = append(b.globalListeners, e)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.globalListeners = remove(b.globalListeners, e)
	}
}

// Publish sends an event to all registered listeners asynchronously.
// Listener panics are swallowed so observability can never break a request.
// Events published after Close are dropped.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}

	typeListeners := b.listeners[event.Type]
	specific := make([]*entry, len(typeListeners))
	copy(specific, typeListeners)

	global := make([]*entry, len(b.globalListeners))
	copy(global, b.globalListeners)

	b.inflight.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.inflight.Done()
		for _, e := range specific {
			safeInvoke(e.fn, event)
		}
		for _, e := range global {
			safeInvoke(e.fn, event)
		}
	}()
}

// Close stops accepting new events and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.inflight.Wait()
}

// Clear removes all listeners (primarily for tests).
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[EventType][]*entry)
	b.globalListeners = nil
}

func remove(entries []*entry, target *entry) []*entry {
	for i, e := range entries {
		if e == target {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

func safeInvoke(listener Listener, event *Event) {
	defer func() { _ = recover() }()
	listener(event)
}
