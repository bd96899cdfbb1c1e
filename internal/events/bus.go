package events

import (
	"sync"

	"go.uber.org/zap"
)

// busBuffer is the capacity of the publish channel.
const busBuffer = 100

// Handler is a function that handles events.
type Handler func(Event)

// Bus is a goroutine-safe event bus. Publishing never blocks; events that do
// not fit in the buffer are dropped and logged. A nil *Bus discards events.
type Bus struct {
	mu        sync.RWMutex
	handlers  []Handler
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewBus creates a new event bus and starts its dispatch goroutine.
func NewBus(logger *zap.Logger) *Bus {
	b := newBus(logger, busBuffer)
	go b.run()
	return b
}

func newBus(logger *zap.Logger, size int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		ch:     make(chan Event, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(event)
		}
	}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	idx := len(b.handlers) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Nil out rather than remove so other indices stay valid.
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// Publish queues an event for delivery to all subscribers.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.ch <- event:
	default:
		b.logger.Warn("event bus full, dropping event",
			zap.Stringer("type", event.Type()),
			zap.String("component", event.Component()))
	}
}

// Close stops dispatching. It is safe to call more than once.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() { close(b.done) })
}
