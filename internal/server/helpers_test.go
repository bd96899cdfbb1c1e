package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dbt-labs/dbt-mcp/internal/config"
	"github.com/dbt-labs/dbt-mcp/internal/lsp"
)

const initializeLine = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"1.0"}}}`

// fakeConnection answers every request from a canned result. With block set,
// requests wait until their context is done.
type fakeConnection struct {
	state  *lsp.ConnectionState
	result json.RawMessage
	err    error
	block  bool

	mu       sync.Mutex
	requests []json.RawMessage
}

func newFakeConnection(result string) *fakeConnection {
	c := &fakeConnection{state: lsp.NewConnectionState(), result: json.RawMessage(result)}
	c.state.SetCompiled()
	return c
}

func (c *fakeConnection) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, _ := json.Marshal(params)
	c.mu.Lock()
	c.requests = append(c.requests, raw)
	c.mu.Unlock()

	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.result, c.err
}

func (c *fakeConnection) WaitForNotification(event lsp.EventName) (<-chan json.RawMessage, func()) {
	return c.state.AddNotificationWaiter(event)
}

func (c *fakeConnection) Compiled() bool {
	return c.state.Compiled()
}

func (c *fakeConnection) sent() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.requests...)
}

// fakeClients hands out clients over a single fake connection.
type fakeClients struct {
	conn    *fakeConnection
	err     error
	timeout time.Duration
}

func (p *fakeClients) GetClient(ctx context.Context) (*lsp.Client, error) {
	if p.err != nil {
		return nil, p.err
	}
	return lsp.NewClient(p.conn, p.timeout), nil
}

// fakeConnections counts cleanups.
type fakeConnections struct {
	mu       sync.Mutex
	cleanups int
}

func (p *fakeConnections) GetConnection(ctx context.Context) (lsp.ManagedConnection, error) {
	return nil, lsp.ErrNotRunning
}

func (p *fakeConnections) CleanupConnection(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups++
}

func (p *fakeConnections) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanups
}

// lspConfig returns a config with the LSP toolset available.
func lspConfig(settings config.Settings) *config.Config {
	return &config.Config{
		Settings: settings,
		LSP: &config.LSPConfig{
			ProjectDir: "/projects/jaffle_shop",
			Binary:     &lsp.BinaryInfo{Path: "/opt/dbt-lsp", Version: "1.0.0"},
		},
	}
}

func newTestServer(t *testing.T, opts Options) (*Server, *bytes.Buffer) {
	t.Helper()
	var stdout bytes.Buffer
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	if opts.Stdout == nil {
		opts.Stdout = &stdout
	}
	opts.ServerName = "dbt-mcp-test"
	opts.ServerVersion = "1.2.3"

	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, &stdout
}

// runLines feeds the lines to a new server, runs it until stdin is exhausted
// and returns the responses.
func runLines(t *testing.T, opts Options, lines ...string) []rpcTestResponse {
	t.Helper()
	opts.Stdin = strings.NewReader(strings.Join(lines, "\n") + "\n")
	srv, stdout := newTestServer(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return parseResponses(t, stdout.String())
}

type rpcTestResponse struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func parseResponses(t *testing.T, output string) []rpcTestResponse {
	t.Helper()
	var out []rpcTestResponse
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		var resp rpcTestResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("Unmarshal response: %v\nLine: %s", err, line)
		}
		out = append(out, resp)
	}
	return out
}

// byID finds the response whose raw id matches.
func byID(t *testing.T, responses []rpcTestResponse, id string) rpcTestResponse {
	t.Helper()
	for _, r := range responses {
		if string(r.ID) == id {
			return r
		}
	}
	t.Fatalf("no response with id %s in %d responses", id, len(responses))
	return rpcTestResponse{}
}

// toolText decodes a tools/call result and returns its text and error flag.
func toolText(t *testing.T, raw json.RawMessage) (string, bool) {
	t.Helper()
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("Unmarshal tool result: %v\nResult: %s", err, raw)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("unexpected content: %s", raw)
	}
	return result.Content[0].Text, result.IsError
}

func ioPipe(t *testing.T) (*io.PipeReader, *io.PipeWriter) {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() {
		_ = w.Close()
		_ = r.Close()
	})
	return r, w
}

// syncBuffer is a bytes.Buffer safe for a concurrent writer and reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitForOutput polls out until it contains substr.
func waitForOutput(t *testing.T, out *syncBuffer, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in output:\n%s", substr, out.String())
}
