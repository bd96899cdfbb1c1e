package lsp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for expected connection conditions.
var (
	ErrNotRunning           = errors.New("LSP server is not running")
	ErrAlreadyInitialized   = errors.New("LSP server is already initialized")
	ErrConnectTimeout       = errors.New("timeout waiting for LSP server to connect")
	ErrRequestTimeout       = errors.New("LSP request timed out")
	ErrConnectionClosed     = errors.New("LSP connection closed")
	ErrMalformedMessage     = errors.New("malformed JSON-RPC message")
	ErrMissingContentLength = errors.New("missing Content-Length header")
)

// JSON-RPC and LSP error codes.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// ResponseError is the error member of a JSON-RPC response. It is returned
// as-is to callers when the server answers a request with an error.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// TimeoutError reports a request that got no response in time.
type TimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("LSP request %s (id=%d) timed out after %s", e.Method, e.ID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}
