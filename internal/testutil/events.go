// Package testutil provides common test utilities.
package testutil

import (
	"sync"
	"time"

	"github.com/dbt-labs/dbt-mcp/internal/events"
)

// EventCollector records events from a bus for test assertions.
// Pass its Handler to bus.Subscribe.
type EventCollector struct {
	mu      sync.Mutex
	events  []events.Event
	states  map[string][]events.RuntimeState
	logs    map[string][]string
	changed chan struct{}
}

// NewEventCollector creates a new EventCollector.
func NewEventCollector() *EventCollector {
	return &EventCollector{
		states:  make(map[string][]events.RuntimeState),
		logs:    make(map[string][]string),
		changed: make(chan struct{}),
	}
}

// Handler records e and wakes any waiters.
func (c *EventCollector) Handler(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)
	switch evt := e.(type) {
	case events.StatusChangedEvent:
		c.states[evt.Component()] = append(c.states[evt.Component()], evt.NewState)
	case events.LogReceivedEvent:
		c.logs[evt.Component()] = append(c.logs[evt.Component()], evt.Line)
	}

	close(c.changed)
	c.changed = make(chan struct{})
}

// Events returns all collected events.
func (c *EventCollector) Events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]events.Event, len(c.events))
	copy(result, c.events)
	return result
}

// StatesFor returns every state observed for component, in order.
func (c *EventCollector) StatesFor(component string) []events.RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]events.RuntimeState, len(c.states[component]))
	copy(result, c.states[component])
	return result
}

// LogsFor returns every log line observed for component.
func (c *EventCollector) LogsFor(component string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, len(c.logs[component]))
	copy(result, c.logs[component])
	return result
}

// WaitFor blocks until match returns true for some collected event or the
// timeout expires. It returns the matching event.
func (c *EventCollector) WaitFor(match func(events.Event) bool, timeout time.Duration) (events.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	seen := 0
	for {
		c.mu.Lock()
		for ; seen < len(c.events); seen++ {
			if match(c.events[seen]) {
				e := c.events[seen]
				c.mu.Unlock()
				return e, true
			}
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return nil, false
		}
	}
}

// WaitForState blocks until component reports state or the timeout expires.
func (c *EventCollector) WaitForState(component string, state events.RuntimeState, timeout time.Duration) bool {
	_, ok := c.WaitFor(func(e events.Event) bool {
		sc, isStatus := e.(events.StatusChangedEvent)
		return isStatus && sc.Component() == component && sc.NewState == state
	}, timeout)
	return ok
}

// StatesContainSequence reports whether expected appears in observed in
// order, not necessarily contiguously.
func StatesContainSequence(observed, expected []events.RuntimeState) bool {
	if len(expected) == 0 {
		return true
	}
	i := 0
	for _, state := range observed {
		if state == expected[i] {
			i++
			if i == len(expected) {
				return true
			}
		}
	}
	return false
}
