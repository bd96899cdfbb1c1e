package lsp

import "go.lsp.dev/protocol"

// EventName identifies a server notification that callers can wait for.
type EventName string

const (
	EventCompileComplete EventName = "dbt/lspCompileComplete"
	EventLogMessage      EventName = EventName(protocol.MethodWindowLogMessage)
	EventProgress        EventName = EventName(protocol.MethodProgress)
)

// EventFromMethod maps a notification method to a known event.
// The second result is false for methods with no event.
func EventFromMethod(method string) (EventName, bool) {
	switch e := EventName(method); e {
	case EventCompileComplete, EventLogMessage, EventProgress:
		return e, true
	default:
		return "", false
	}
}
