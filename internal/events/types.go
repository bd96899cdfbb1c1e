// Package events carries lifecycle and log events from the LSP connection
// layer to whoever is interested (the serve command logs them, tests assert
// on them).
package events

import (
	"encoding/json"
	"time"
)

// RuntimeState is the lifecycle state of the LSP process or connection.
type RuntimeState int

const (
	StateIdle RuntimeState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateError
	StateCrashed
)

func (s RuntimeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsActive returns true while the component is running or transitioning.
func (s RuntimeState) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// LastExit describes how the LSP process last exited.
type LastExit struct {
	Code      int       `json:"code"`
	Signal    string    `json:"signal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is a snapshot of a component's runtime status.
type Status struct {
	Component string       `json:"component"`
	State     RuntimeState `json:"state"`
	PID       int          `json:"pid,omitempty"`
	Port      int          `json:"port,omitempty"`
	LastExit  *LastExit    `json:"lastExit,omitempty"`
	Error     string       `json:"error,omitempty"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
}

// EventType identifies the kind of event.
type EventType int

const (
	EventStatusChanged EventType = iota
	EventLogReceived
	EventNotification
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventStatusChanged:
		return "status_changed"
	case EventLogReceived:
		return "log_received"
	case EventNotification:
		return "notification"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Component() string
	Timestamp() time.Time
}

type baseEvent struct {
	component string
	timestamp time.Time
}

func (e baseEvent) Component() string   { return e.component }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBase(component string) baseEvent {
	return baseEvent{component: component, timestamp: time.Now()}
}

// StatusChangedEvent is emitted on every lifecycle transition.
type StatusChangedEvent struct {
	baseEvent
	OldState RuntimeState
	NewState RuntimeState
	Status   Status
}

func (e StatusChangedEvent) Type() EventType { return EventStatusChanged }

// NewStatusChangedEvent creates a new status changed event.
func NewStatusChangedEvent(component string, oldState, newState RuntimeState, status Status) StatusChangedEvent {
	status.Component = component
	status.State = newState
	return StatusChangedEvent{
		baseEvent: newBase(component),
		OldState:  oldState,
		NewState:  newState,
		Status:    status,
	}
}

// LogSource says where a log line came from.
type LogSource string

const (
	LogSourceStderr     LogSource = "stderr"
	LogSourceLogMessage LogSource = "window/logMessage"
)

// LogReceivedEvent carries one line of LSP output, either from the process
// stderr or from a window/logMessage notification.
type LogReceivedEvent struct {
	baseEvent
	Source LogSource
	Level  int
	Line   string
}

func (e LogReceivedEvent) Type() EventType { return EventLogReceived }

// NewLogReceivedEvent creates a new log received event.
func NewLogReceivedEvent(component string, source LogSource, level int, line string) LogReceivedEvent {
	return LogReceivedEvent{
		baseEvent: newBase(component),
		Source:    source,
		Level:     level,
		Line:      line,
	}
}

// NotificationEvent is emitted for server notifications with a known event
// name, such as compile completion or progress.
type NotificationEvent struct {
	baseEvent
	Method string
	Params json.RawMessage
}

func (e NotificationEvent) Type() EventType { return EventNotification }

// NewNotificationEvent creates a new notification event.
func NewNotificationEvent(component, method string, params json.RawMessage) NotificationEvent {
	return NotificationEvent{
		baseEvent: newBase(component),
		Method:    method,
		Params:    params,
	}
}

// ErrorEvent is emitted when an operation fails outside a caller's reach.
type ErrorEvent struct {
	baseEvent
	Err     error
	Message string
}

func (e ErrorEvent) Type() EventType { return EventError }

// NewErrorEvent creates a new error event.
func NewErrorEvent(component string, err error, message string) ErrorEvent {
	return ErrorEvent{
		baseEvent: newBase(component),
		Err:       err,
		Message:   message,
	}
}
