package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitForWG(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func TestBusPublishesToSpecificAndGlobalListeners(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	event := &Event{Type: EventPipelineStarted, Data: PipelineStartedData{StageCount: 21}}

	var mu sync.Mutex
	var received []EventType
	var wg sync.WaitGroup
	wg.Add(2)

	bus.Subscribe(EventPipelineStarted, func(e *Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		wg.Done()
	})

	bus.SubscribeAll(func(e *Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		wg.Done()
	})

	bus.Publish(event)

	if !waitForWG(&wg, 200*time.Millisecond) {
		t.Fatal("timed out waiting for listeners")
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
}

func TestBusDoesNotDeliverOtherTypes(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	var count atomic.Int32
	bus.Subscribe(EventGateEvaluated, func(*Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	bus.SubscribeAll(func(*Event) { wg.Done() })

	bus.Publish(&Event{Type: EventSessionCreated})

	if !waitForWG(&wg, 200*time.Millisecond) {
		t.Fatal("timed out waiting for sentinel")
	}
	if got := count.Load(); got != 0 {
		t.Fatalf("expected no deliveries for other types, got %d", got)
	}
}

func TestBusRecoversFromPanic(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	event := &Event{Type: EventStageFailed}

	var wg sync.WaitGroup
	wg.Add(1)

	bus.Subscribe(EventStageFailed, func(*Event) {
		panic("listener panic")
	})

	// This listener should still fire even if another panics.
	bus.Subscribe(EventStageFailed, func(*Event) {
		wg.Done()
	})

	bus.Publish(event)

	if !waitForWG(&wg, 200*time.Millisecond) {
		t.Fatal("listener after panic did not fire")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	var count atomic.Int32
	var wg sync.WaitGroup

	unsub := bus.Subscribe(EventPipelineStarted, func(*Event) {
		count.Add(1)
		wg.Done()
	})

	wg.Add(1)
	bus.Publish(&Event{Type: EventPipelineStarted})
	if !waitForWG(&wg, 200*time.Millisecond) {
		t.Fatal("timed out waiting for first event")
	}

	unsub()

	// Sentinel listener to know when the second event is processed.
	var wg2 sync.WaitGroup
	wg2.Add(1)
	bus.Subscribe(EventPipelineStarted, func(*Event) {
		wg2.Done()
	})
	bus.Publish(&Event{Type: EventPipelineStarted})
	if !waitForWG(&wg2, 200*time.Millisecond) {
		t.Fatal("timed out waiting for sentinel")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected count still 1 after unsubscribe, got %d", got)
	}
}

func TestBusCloseDropsNewEvents(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	var count atomic.Int32
	bus.SubscribeAll(func(*Event) {
		count.Add(1)
	})

	bus.Close()
	bus.Publish(&Event{Type: EventPipelineStarted})

	// Give a dropped event a chance to (incorrectly) deliver.
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("expected no deliveries after Close, got %d", got)
	}
}

func TestBusClear(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	var count atomic.Int32
	bus.Subscribe(EventSessionCreated, func(*Event) { count.Add(1) })
	bus.SubscribeAll(func(*Event) { count.Add(1) })

	bus.Clear()

	bus.Publish(&Event{Type: EventSessionCreated})
	time.Sleep(50 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Fatalf("expected no deliveries after Clear, got %d", got)
	}
}
