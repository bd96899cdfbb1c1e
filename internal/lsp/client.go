package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.lsp.dev/protocol"
)

// DefaultLSPTimeout bounds a single client operation, including any wait for
// the project to finish compiling.
const DefaultLSPTimeout = 60 * time.Second

// listNodesCommand is the dbt LSP command that resolves a node selector.
const listNodesCommand = "dbt.listNodes"

// Connection is what the Client needs from an LSP connection.
type Connection interface {
	SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	WaitForNotification(event EventName) (<-chan json.RawMessage, func())
	Compiled() bool
}

// Client exposes dbt operations on top of a running LSP connection.
type Client struct {
	conn    Connection
	timeout time.Duration
}

// NewClient wraps conn. A non-positive timeout uses DefaultLSPTimeout.
func NewClient(conn Connection, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultLSPTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

// Timeout returns the per-operation timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// GetColumnLineage returns the nodes upstream and downstream of a column.
// Column names are upper-cased in the selector. Connection errors are
// returned unmodified.
func (c *Client) GetColumnLineage(ctx context.Context, modelID, columnName string) (map[string]any, error) {
	selector := fmt.Sprintf("+column:%s.%s+", modelID, strings.ToUpper(columnName))
	return c.ListNodes(ctx, selector)
}

// ListNodes runs the dbt.listNodes command for selector. It waits for the
// project to compile first, within the client timeout.
func (c *Client) ListNodes(ctx context.Context, selector string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.waitForCompile(ctx); err != nil {
		return nil, err
	}

	params := protocol.ExecuteCommandParams{
		Command:   listNodesCommand,
		Arguments: []interface{}{selector},
	}
	raw, err := c.conn.SendRequest(ctx, protocol.MethodWorkspaceExecuteCommand, params, c.remaining(ctx))
	if err != nil {
		return nil, err
	}

	result := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return result, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", listNodesCommand, err)
	}
	return result, nil
}

// waitForCompile blocks until the server reports a finished compile. The
// waiter is registered before checking the flag so a notification arriving
// in between is not missed.
func (c *Client) waitForCompile(ctx context.Context) error {
	ch, cancel := c.conn.WaitForNotification(EventCompileComplete)
	defer cancel()

	if c.conn.Compiled() {
		return nil
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return &TimeoutError{Method: string(EventCompileComplete), Timeout: c.timeout}
		}
		return ctx.Err()
	}
}

func (c *Client) remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Nanosecond
	}
	return c.timeout
}
