package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testEvent struct {
	id        int
	component string
	timestamp time.Time
}

func (e testEvent) Type() EventType      { return EventStatusChanged }
func (e testEvent) Component() string    { return e.component }
func (e testEvent) Timestamp() time.Time { return e.timestamp }

func newTestEvent(id int, component string) testEvent {
	return testEvent{id: id, component: component, timestamp: time.Now()}
}

func TestBus_BasicPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(func(e Event) {
		received <- e
	})

	bus.Publish(newTestEvent(1, "dbt-lsp"))

	select {
	case got := <-received:
		if te := got.(testEvent); te.id != 1 {
			t.Errorf("expected event id 1, got %d", te.id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		bus.Subscribe(func(e Event) {
			count.Add(1)
			wg.Done()
		})
	}

	bus.Publish(newTestEvent(1, "dbt-lsp"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if count.Load() != 3 {
			t.Errorf("expected 3 handlers called, got %d", count.Load())
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout: only %d handlers called", count.Load())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var count atomic.Int32
	unsubscribe := bus.Subscribe(func(e Event) {
		count.Add(1)
	})

	bus.Publish(newTestEvent(1, "dbt-lsp"))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Fatalf("expected count 1 before unsubscribe, got %d", count.Load())
	}

	unsubscribe()

	bus.Publish(newTestEvent(2, "dbt-lsp"))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("expected count 1 after unsubscribe, got %d", count.Load())
	}
}

func TestBus_OverflowDropsAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	// No run goroutine: simulates a consumer that never drains.
	bus := newBus(zap.New(core), 10)

	for i := 0; i < 20; i++ {
		bus.Publish(newTestEvent(i, fmt.Sprintf("component-%d", i)))
	}

	dropped := logs.FilterMessage("event bus full, dropping event").All()
	if len(dropped) != 10 {
		t.Fatalf("expected 10 dropped events, got %d", len(dropped))
	}
	fields := dropped[0].ContextMap()
	if fields["component"] != "component-10" {
		t.Errorf("component = %v, want component-10", fields["component"])
	}
	if fields["type"] != "status_changed" {
		t.Errorf("type = %v, want status_changed", fields["type"])
	}
	bus.Close()
}

func TestBus_EventOrdering(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	const numEvents = 50
	received := make([]int, 0, numEvents)
	var mu sync.Mutex
	done := make(chan struct{})

	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.(testEvent).id)
		if len(received) == numEvents {
			close(done)
		}
	})

	for i := 0; i < numEvents; i++ {
		bus.Publish(newTestEvent(i, "dbt-lsp"))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("timeout: only received %d of %d events", len(received), numEvents)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range received {
		if id != i {
			t.Errorf("event %d out of order: got id %d", i, id)
		}
	}
}

func TestBus_PublishAfterCloseAndNilBus(t *testing.T) {
	bus := NewBus(nil)
	bus.Close()
	bus.Close()
	bus.Publish(newTestEvent(1, "dbt-lsp"))

	var nilBus *Bus
	nilBus.Publish(newTestEvent(2, "dbt-lsp"))
	nilBus.Close()
}

func TestNewStatusChangedEvent_FillsStatus(t *testing.T) {
	evt := NewStatusChangedEvent("dbt-lsp", StateStarting, StateRunning, Status{PID: 42})
	if evt.Status.Component != "dbt-lsp" {
		t.Errorf("Status.Component = %q, want %q", evt.Status.Component, "dbt-lsp")
	}
	if evt.Status.State != StateRunning {
		t.Errorf("Status.State = %v, want %v", evt.Status.State, StateRunning)
	}
	if !evt.NewState.IsActive() || StateStopped.IsActive() {
		t.Error("IsActive mismatch")
	}
}
