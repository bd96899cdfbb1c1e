package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
)

type sentRequest struct {
	method  string
	params  any
	timeout time.Duration
}

// fakeConnection records requests and answers them from a canned result.
type fakeConnection struct {
	state *ConnectionState

	mu       sync.Mutex
	requests []sentRequest
	result   json.RawMessage
	err      error
}

func newFakeConnection(compiled bool) *fakeConnection {
	c := &fakeConnection{state: NewConnectionState()}
	if compiled {
		c.state.SetCompiled()
	}
	return c
}

func (c *fakeConnection) SendRequest(_ context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, sentRequest{method: method, params: params, timeout: timeout})
	return c.result, c.err
}

func (c *fakeConnection) WaitForNotification(event EventName) (<-chan json.RawMessage, func()) {
	return c.state.AddNotificationWaiter(event)
}

func (c *fakeConnection) Compiled() bool {
	return c.state.Compiled()
}

func (c *fakeConnection) sent() []sentRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentRequest(nil), c.requests...)
}

func TestClient_GetColumnLineage(t *testing.T) {
	conn := newFakeConnection(true)
	conn.result = json.RawMessage(`{"nodes":[{"uniqueId":"model.jaffle.customers","name":"customers"}]}`)
	client := NewClient(conn, 5*time.Second)

	result, err := client.GetColumnLineage(context.Background(), "model.jaffle.customers", "customer_id")
	require.NoError(t, err)
	require.Contains(t, result, "nodes")
	assert.Len(t, result["nodes"], 1)

	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.MethodWorkspaceExecuteCommand, sent[0].method)
	assert.Greater(t, sent[0].timeout, time.Duration(0))
	assert.LessOrEqual(t, sent[0].timeout, 5*time.Second)

	data, err := json.Marshal(sent[0].params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"dbt.listNodes","arguments":["+column:model.jaffle.customers.CUSTOMER_ID+"]}`, string(data))
}

func TestClient_ListNodesNullResult(t *testing.T) {
	conn := newFakeConnection(true)
	conn.result = json.RawMessage("null")

	result, err := NewClient(conn, time.Second).ListNodes(context.Background(), "+model.a+")
	require.NoError(t, err)
	assert.Empty(t, result)
	assert.NotNil(t, result)
}

func TestClient_ErrorsReturnedUnmodified(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "response error", err: &ResponseError{Code: CodeInternalError, Message: "model not found"}},
		{name: "timeout", err: &TimeoutError{Method: protocol.MethodWorkspaceExecuteCommand, ID: 20, Timeout: time.Second}},
		{name: "not running", err: ErrNotRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConnection(true)
			conn.err = tt.err

			_, err := NewClient(conn, time.Second).GetColumnLineage(context.Background(), "model.a", "b")
			assert.Same(t, tt.err, err)
		})
	}
}

func TestClient_WaitsForCompile(t *testing.T) {
	conn := newFakeConnection(false)
	conn.result = json.RawMessage(`{"nodes":[]}`)
	client := NewClient(conn, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := client.GetColumnLineage(context.Background(), "model.a", "b")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return conn.state.NotificationWaiters(EventCompileComplete) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, conn.sent(), "no request before compile completes")

	conn.state.SetCompiled()
	conn.state.ResolveNotification(EventCompileComplete, json.RawMessage(`{}`))

	require.NoError(t, <-done)
	assert.Len(t, conn.sent(), 1)
}

func TestClient_CompileWaitTimeout(t *testing.T) {
	conn := newFakeConnection(false)
	client := NewClient(conn, 50*time.Millisecond)

	_, err := client.GetColumnLineage(context.Background(), "model.a", "b")
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Empty(t, conn.sent())
	assert.Equal(t, 0, conn.state.NotificationWaiters(EventCompileComplete), "waiter cleaned up")
}

func TestClient_CompileWaitConnectionClosed(t *testing.T) {
	conn := newFakeConnection(false)
	client := NewClient(conn, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := client.GetColumnLineage(context.Background(), "model.a", "b")
		done <- err
	}()
	require.Eventually(t, func() bool {
		return conn.state.NotificationWaiters(EventCompileComplete) == 1
	}, 2*time.Second, 5*time.Millisecond)

	conn.state.FailPending(ErrConnectionClosed)
	assert.True(t, errors.Is(<-done, ErrConnectionClosed))
}

func TestClient_MalformedResult(t *testing.T) {
	conn := newFakeConnection(true)
	conn.result = json.RawMessage(`[1,2,3]`)

	_, err := NewClient(conn, time.Second).ListNodes(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode dbt.listNodes result")
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultLSPTimeout, NewClient(newFakeConnection(true), 0).Timeout())
	assert.Equal(t, 3*time.Second, NewClient(newFakeConnection(true), 3*time.Second).Timeout())
}
