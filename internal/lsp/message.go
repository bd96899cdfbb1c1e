// Package lsp implements the client side of a dbt language server connection:
// Content-Length framing, request/response correlation, notification fan-out,
// and the lifecycle of the spawned LSP process.
package lsp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const jsonrpcVersion = "2.0"

// MessageKind classifies a JSON-RPC message.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindErrorResponse
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error_response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is a single JSON-RPC 2.0 message exchanged with the language server.
// The zero value is invalid; use the constructors or ParseMessage.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// Kind reports which JSON-RPC variant the message is.
func (m *Message) Kind() MessageKind {
	hasID := m.HasID()
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Error != nil:
		return KindErrorResponse
	case hasID && len(m.Result) > 0:
		return KindResponse
	default:
		return KindInvalid
	}
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// NumericID returns the id as an integer. Requests sent by this package always
// use integer ids, so a non-numeric id never matches a pending request.
func (m *Message) NumericID() (int64, bool) {
	if !m.HasID() {
		return 0, false
	}
	id, err := strconv.ParseInt(string(m.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// NewRequest builds a request message.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      formatID(id),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResponse builds a success response for the given raw id.
// A nil result is encoded as JSON null.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw := json.RawMessage("null")
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		raw = b
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Result:  raw,
	}, nil
}

// NewErrorResponse builds an error response for the given raw id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &ResponseError{Code: code, Message: message},
	}
}

func formatID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
