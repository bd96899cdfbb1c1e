package lsp

import (
	"encoding/json"
	"sync"
)

// FirstRequestID is the id of the first request sent on a connection.
const FirstRequestID int64 = 20

// requestResult is what a pending request receives when it is resolved.
type requestResult struct {
	msg *Message
	err error
}

// ConnectionState holds the mutable state shared between the read loop and
// callers: the id counter, pending requests and notification waiters.
type ConnectionState struct {
	mu           sync.Mutex
	initialized  bool
	shuttingDown bool
	compiled     bool
	capabilities map[string]any
	nextID       int64

	pendingRequests      map[int64]chan requestResult
	pendingNotifications map[EventName][]chan json.RawMessage
}

// NewConnectionState returns an empty state with the id counter at FirstRequestID.
func NewConnectionState() *ConnectionState {
	return &ConnectionState{
		capabilities:         map[string]any{},
		nextID:               FirstRequestID,
		pendingRequests:      make(map[int64]chan requestResult),
		pendingNotifications: make(map[EventName][]chan json.RawMessage),
	}
}

// NextRequestID returns a fresh id. Ids are strictly increasing.
func (s *ConnectionState) NextRequestID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// AddPendingRequest registers id and returns the channel its result will be
// delivered on. The channel is buffered so the resolver never blocks.
func (s *ConnectionState) AddPendingRequest(id int64) <-chan requestResult {
	ch := make(chan requestResult, 1)
	s.mu.Lock()
	s.pendingRequests[id] = ch
	s.mu.Unlock()
	return ch
}

// RemovePendingRequest forgets id without resolving it.
func (s *ConnectionState) RemovePendingRequest(id int64) {
	s.mu.Lock()
	delete(s.pendingRequests, id)
	s.mu.Unlock()
}

// ResolveRequest delivers msg to the request waiting on its id and removes
// the entry. It reports false when no request with that id is pending.
func (s *ConnectionState) ResolveRequest(id int64, msg *Message) bool {
	s.mu.Lock()
	ch, ok := s.pendingRequests[id]
	delete(s.pendingRequests, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	ch <- requestResult{msg: msg}
	return true
}

// PendingRequests returns the number of requests still awaiting a response.
func (s *ConnectionState) PendingRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingRequests)
}

// AddNotificationWaiter registers a one-shot waiter for event. The returned
// cancel func unregisters it and is safe to call after resolution.
func (s *ConnectionState) AddNotificationWaiter(event EventName) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pendingNotifications[event] = append(s.pendingNotifications[event], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		waiters := s.pendingNotifications[event]
		for i, w := range waiters {
			if w == ch {
				s.pendingNotifications[event] = append(waiters[:i:i], waiters[i+1:]...)
				break
			}
		}
		if len(s.pendingNotifications[event]) == 0 {
			delete(s.pendingNotifications, event)
		}
	}
	return ch, cancel
}

// ResolveNotification hands params to every waiter of event and clears the
// list. It returns how many waiters were resolved.
func (s *ConnectionState) ResolveNotification(event EventName, params json.RawMessage) int {
	s.mu.Lock()
	waiters := s.pendingNotifications[event]
	delete(s.pendingNotifications, event)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- params
	}
	return len(waiters)
}

// NotificationWaiters returns the number of waiters registered for event.
func (s *ConnectionState) NotificationWaiters(event EventName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingNotifications[event])
}

// FailPending resolves every pending request with err and closes every
// notification waiter. Both maps are empty afterwards.
func (s *ConnectionState) FailPending(err error) {
	s.mu.Lock()
	requests := s.pendingRequests
	notifications := s.pendingNotifications
	s.pendingRequests = make(map[int64]chan requestResult)
	s.pendingNotifications = make(map[EventName][]chan json.RawMessage)
	s.mu.Unlock()

	for _, ch := range requests {
		ch <- requestResult{err: err}
	}
	for _, waiters := range notifications {
		for _, ch := range waiters {
			close(ch)
		}
	}
}

// SetInitialized records the server capabilities and marks the handshake done.
func (s *ConnectionState) SetInitialized(capabilities map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if capabilities == nil {
		capabilities = map[string]any{}
	}
	s.capabilities = capabilities
	s.initialized = true
}

// Initialized reports whether the initialize handshake completed.
func (s *ConnectionState) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Capabilities returns the server capabilities from initialize.
func (s *ConnectionState) Capabilities() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// SetShuttingDown marks the connection as stopping.
func (s *ConnectionState) SetShuttingDown(v bool) {
	s.mu.Lock()
	s.shuttingDown = v
	s.mu.Unlock()
}

// ShuttingDown reports whether Stop is in progress.
func (s *ConnectionState) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// SetCompiled records that the server finished compiling the project.
func (s *ConnectionState) SetCompiled() {
	s.mu.Lock()
	s.compiled = true
	s.mu.Unlock()
}

// Compiled reports whether a compile-complete notification has been seen.
func (s *ConnectionState) Compiled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compiled
}

// reset clears handshake flags after the connection stops.
func (s *ConnectionState) reset() {
	s.mu.Lock()
	s.initialized = false
	s.shuttingDown = false
	s.compiled = false
	s.capabilities = map[string]any{}
	s.mu.Unlock()
}
