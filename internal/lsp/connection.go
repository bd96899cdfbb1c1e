package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dbt-labs/dbt-mcp/internal/events"
	"github.com/dbt-labs/dbt-mcp/internal/process"
	"github.com/hashicorp/go-multierror"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

const (
	// ProcessName labels the language server process in events and PID tracking.
	ProcessName = "dbt-lsp"

	// ConnectionName labels socket lifecycle events of the connection.
	ConnectionName = "dbt-lsp-connection"

	// ClientName is sent as clientInfo.name during initialize.
	ClientName = "dbt-mcp"

	DefaultConnectionTimeout = 10 * time.Second
	DefaultRequestTimeout    = 60 * time.Second
	DefaultShutdownTimeout   = 2 * time.Second

	readChunkSize = 8192
	flushTimeout  = time.Second
)

// Lifecycle is the coarse state of a SocketConnection.
type Lifecycle int

const (
	LifecycleNotStarted Lifecycle = iota
	LifecycleStarting
	LifecycleRunning
	LifecycleShuttingDown
	LifecycleStopped
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleNotStarted:
		return "not_started"
	case LifecycleStarting:
		return "starting"
	case LifecycleRunning:
		return "running"
	case LifecycleShuttingDown:
		return "shutting_down"
	case LifecycleStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// lspProcess is the part of process.Handle the connection depends on.
type lspProcess interface {
	PID() int
	IsRunning() bool
	Done() <-chan struct{}
	ExitErr() error
	Logs() []string
	Stop(grace time.Duration) error
}

// Options configures a SocketConnection. Zero durations use the defaults.
type Options struct {
	BinaryPath string
	// Cwd is the dbt project directory. It is passed as --project-dir and
	// used as the working directory of the process.
	Cwd  string
	Args []string

	ConnectionTimeout     time.Duration
	DefaultRequestTimeout time.Duration
	ShutdownTimeout       time.Duration
	GracePeriod           time.Duration

	ClientVersion string

	Logger  *zap.Logger
	Bus     *events.Bus
	Tracker *process.PIDTracker
}

// SocketConnection talks to a dbt language server over TCP. It listens on an
// ephemeral loopback port, launches the server with that port and accepts
// the server's connection. A read goroutine dispatches incoming messages and
// a write goroutine drains the outgoing queue.
type SocketConnection struct {
	opts   Options
	logger *zap.Logger
	state  *ConnectionState

	mu        sync.Mutex
	lifecycle Lifecycle
	listener  net.Listener
	conn      net.Conn
	proc      lspProcess
	port      int
	queue     *outgoingQueue
	stopCh    chan struct{}
	writeDone chan struct{}
	readDone  chan struct{}

	// Set while Start is launching, so Stop can interrupt it.
	startCancel context.CancelFunc
	startDone   chan struct{}
}

// NewSocketConnection creates a connection that is not yet started.
func NewSocketConnection(opts Options) *SocketConnection {
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.DefaultRequestTimeout <= 0 {
		opts.DefaultRequestTimeout = DefaultRequestTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = process.GracefulShutdownTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketConnection{
		opts:   opts,
		logger: logger.Named("lsp"),
		state:  NewConnectionState(),
	}
}

// State returns the shared connection state.
func (c *SocketConnection) State() *ConnectionState {
	return c.state
}

// Lifecycle returns the current lifecycle stage.
func (c *SocketConnection) Lifecycle() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// Port returns the port the listener is bound to, or 0 before Start.
func (c *SocketConnection) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// PID returns the language server PID, or 0 when no process is running.
func (c *SocketConnection) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.PID()
}

// Logs returns the recent stderr lines of the language server.
func (c *SocketConnection) Logs() []string {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Logs()
}

// Compiled reports whether the server announced a finished compile.
func (c *SocketConnection) Compiled() bool {
	return c.state.Compiled()
}

// IsRunning reports whether the connection is up, the peer has not hung up
// and the process is alive.
func (c *SocketConnection) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

func (c *SocketConnection) runningLocked() bool {
	return c.lifecycle == LifecycleRunning && c.conn != nil && !c.peerClosedLocked() &&
		c.proc != nil && c.proc.IsRunning()
}

// peerClosedLocked reports whether the read loop has ended.
func (c *SocketConnection) peerClosedLocked() bool {
	return c.readDone != nil && closed(c.readDone)
}

// Start binds the listener, launches the language server and waits for it to
// connect. It is a no-op when the connection is already running. On failure
// the process is killed and the connection can be started again.
func (c *SocketConnection) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.lifecycle {
	case LifecycleRunning:
		c.mu.Unlock()
		return nil
	case LifecycleStarting, LifecycleShuttingDown:
		lc := c.lifecycle
		c.mu.Unlock()
		return fmt.Errorf("cannot start LSP connection while %s", lc)
	}
	startCtx, cancel := context.WithCancel(ctx)
	startDone := make(chan struct{})
	c.lifecycle = LifecycleStarting
	c.startCancel = cancel
	c.startDone = startDone
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.startCancel = nil
		c.startDone = nil
		c.mu.Unlock()
		close(startDone)
	}()

	conn, ln, proc, err := c.launch(startCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = fmt.Errorf("LSP connection stopped while starting: %w", ErrConnectionClosed)
		}
		c.setLifecycle(LifecycleNotStarted)
		c.opts.Bus.Publish(events.NewErrorEvent(ProcessName, err, "failed to start LSP connection"))
		return err
	}

	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	c.attach(conn, proc)

	port := c.Port()
	c.logger.Info("LSP connection established",
		zap.Int("port", port),
		zap.Int("pid", proc.PID()))
	c.opts.Bus.Publish(events.NewStatusChangedEvent(ConnectionName, events.StateStarting, events.StateRunning, events.Status{
		PID:  proc.PID(),
		Port: port,
	}))
	return nil
}

func (c *SocketConnection) launch(ctx context.Context) (net.Conn, net.Listener, lspProcess, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	c.mu.Lock()
	c.port = port
	c.mu.Unlock()

	args := append([]string{"--socket", strconv.Itoa(port), "--project-dir", c.opts.Cwd}, c.opts.Args...)
	proc, err := process.Start(process.Spec{
		Name:    ProcessName,
		Command: c.opts.BinaryPath,
		Args:    args,
		Dir:     c.opts.Cwd,
	}, process.Options{
		Bus:     c.opts.Bus,
		Logger:  c.logger,
		Tracker: c.opts.Tracker,
	})
	if err != nil {
		_ = ln.Close()
		return nil, nil, nil, fmt.Errorf("start LSP process: %w", err)
	}

	conn, err := c.accept(ctx, ln, proc)
	if err != nil {
		_ = ln.Close()
		if stopErr := proc.Stop(100 * time.Millisecond); stopErr != nil {
			c.logger.Warn("failed to stop LSP process after connect failure", zap.Error(stopErr))
		}
		return nil, nil, nil, err
	}
	return conn, ln, proc, nil
}

// accept waits for the language server to dial in, bounded by the connection
// timeout, ctx, and the lifetime of the process.
func (c *SocketConnection) accept(ctx context.Context, ln net.Listener, proc lspProcess) (net.Conn, error) {
	timeout := c.opts.ConnectionTimeout
	if tcp, ok := ln.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Now().Add(timeout))
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	results := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		results <- acceptResult{conn, err}
	}()

	abandon := func() {
		_ = ln.Close()
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
	}

	select {
	case r := <-results:
		if r.err != nil {
			var netErr net.Error
			if errors.As(r.err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
			}
			return nil, fmt.Errorf("accept LSP connection: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-proc.Done():
		abandon()
		return nil, fmt.Errorf("LSP process exited before connecting: %v", proc.ExitErr())
	}
}

// attach wires an accepted connection and starts the read and write loops.
func (c *SocketConnection) attach(conn net.Conn, proc lspProcess) {
	queue := newOutgoingQueue()
	stopCh := make(chan struct{})
	writeDone := make(chan struct{})
	readDone := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.proc = proc
	c.queue = queue
	c.stopCh = stopCh
	c.writeDone = writeDone
	c.readDone = readDone
	c.lifecycle = LifecycleRunning
	c.mu.Unlock()

	go c.writeLoop(conn, queue, stopCh, writeDone)
	go c.readLoop(conn, readDone)
}

func (c *SocketConnection) setLifecycle(l Lifecycle) {
	c.mu.Lock()
	c.lifecycle = l
	c.mu.Unlock()
}

// Initialize performs the LSP handshake: initialize, then initialized. An
// empty rootURI defaults to the file URI of the project directory.
func (c *SocketConnection) Initialize(ctx context.Context, rootURI string, timeout time.Duration) error {
	if c.state.Initialized() {
		return ErrAlreadyInitialized
	}
	if rootURI == "" {
		rootURI = string(uri.File(c.opts.Cwd))
	}

	params := protocol.InitializeParams{
		ProcessID: int32(os.Getpid()),
		ClientInfo: &protocol.ClientInfo{
			Name:    ClientName,
			Version: c.opts.ClientVersion,
		},
		RootURI:      protocol.DocumentURI(rootURI),
		Capabilities: protocol.ClientCapabilities{},
	}

	raw, err := c.SendRequest(ctx, protocol.MethodInitialize, params, timeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result struct {
		Capabilities map[string]any `json:"capabilities"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decode initialize result: %w", err)
		}
	}
	c.state.SetInitialized(result.Capabilities)

	if err := c.SendNotification(protocol.MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	c.logger.Info("LSP initialized", zap.String("root_uri", rootURI))
	return nil
}

// SendRequest sends a request and waits for its response. A non-positive
// timeout uses the connection default. An error response is returned as a
// *ResponseError; a missed deadline as a *TimeoutError.
func (c *SocketConnection) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	queue, readDone, err := c.activeQueue()
	if err != nil {
		return nil, err
	}
	return c.request(ctx, queue, readDone, method, params, timeout)
}

func (c *SocketConnection) request(ctx context.Context, queue *outgoingQueue, readDone <-chan struct{}, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultRequestTimeout
	}

	id := c.state.NextRequestID()
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	ch := c.state.AddPendingRequest(id)
	// The read loop closes readDone before failing pending requests, so an
	// entry added after that would never be resolved.
	if closed(readDone) {
		c.state.RemovePendingRequest(id)
		return nil, ErrConnectionClosed
	}
	queue.push(frame)
	c.logger.Debug("sent request", zap.Int64("id", id), zap.String("method", method))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-timer.C:
		c.state.RemovePendingRequest(id)
		return nil, &TimeoutError{Method: method, ID: id, Timeout: timeout}
	case <-ctx.Done():
		c.state.RemovePendingRequest(id)
		return nil, ctx.Err()
	}
}

// SendNotification queues a notification. It does not wait for delivery.
func (c *SocketConnection) SendNotification(method string, params any) error {
	queue, _, err := c.activeQueue()
	if err != nil {
		return err
	}
	return c.notify(queue, method, params)
}

func (c *SocketConnection) notify(queue *outgoingQueue, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	queue.push(frame)
	c.logger.Debug("sent notification", zap.String("method", method))
	return nil
}

// WaitForNotification registers interest in the next event notification.
// The channel receives the notification params once; it is closed without a
// value if the connection stops first, or at once when the server already
// hung up. Call cancel to stop waiting.
func (c *SocketConnection) WaitForNotification(event EventName) (<-chan json.RawMessage, func()) {
	ch, cancel := c.state.AddNotificationWaiter(event)

	c.mu.Lock()
	peerClosed := c.peerClosedLocked()
	c.mu.Unlock()
	if peerClosed {
		cancel()
		done := make(chan json.RawMessage)
		close(done)
		return done, func() {}
	}
	return ch, cancel
}

// activeQueue returns the outgoing queue and the read loop's done channel of
// a live connection.
func (c *SocketConnection) activeQueue() (*outgoingQueue, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle == LifecycleRunning && c.peerClosedLocked() {
		return nil, nil, ErrConnectionClosed
	}
	if !c.runningLocked() {
		return nil, nil, ErrNotRunning
	}
	return c.queue, c.readDone, nil
}

func (c *SocketConnection) readLoop(conn net.Conn, done chan<- struct{}) {
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = c.drainFrames(append(buf, chunk[:n]...))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.state.ShuttingDown() {
				c.logger.Debug("LSP read loop finished", zap.Error(err))
			} else {
				c.logger.Warn("LSP read failed", zap.Error(err))
			}
			break
		}
	}

	stopping := c.state.ShuttingDown()

	// Close done first: callers that register after this point see it and
	// give up on their own, everything registered before is failed here.
	close(done)
	c.state.FailPending(ErrConnectionClosed)
	if !stopping {
		c.opts.Bus.Publish(events.NewErrorEvent(ConnectionName, ErrConnectionClosed, "LSP server closed the connection"))
	}
}

// drainFrames dispatches every complete message in buf and returns what is
// left, compacted to the front of the buffer.
func (c *SocketConnection) drainFrames(buf []byte) []byte {
	start := buf
	for {
		msg, rest, err := ParseMessage(buf)
		if err != nil {
			c.logger.Warn("discarding LSP message", zap.Error(err))
			buf = rest
			continue
		}
		if msg == nil {
			n := copy(start, rest)
			return start[:n]
		}
		buf = rest
		c.dispatch(msg)
	}
}

func (c *SocketConnection) dispatch(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling LSP message",
				zap.Any("panic", r),
				zap.String("method", msg.Method))
		}
	}()
	c.handleIncomingMessage(msg)
}

func (c *SocketConnection) handleIncomingMessage(msg *Message) {
	switch msg.Kind() {
	case KindResponse, KindErrorResponse:
		if id, ok := msg.NumericID(); ok && c.state.ResolveRequest(id, msg) {
			return
		}
		if !msg.HasID() {
			c.logger.Warn("LSP error response without id", zap.Any("error", msg.Error))
			return
		}
		// The server may re-send responses for requests we never made; it
		// expects them acknowledged with the same id.
		c.logger.Debug("response for unknown request, acknowledging", zap.ByteString("id", msg.ID))
		c.acknowledge(msg.ID)
	case KindRequest:
		c.logger.Debug("server request, acknowledging",
			zap.ByteString("id", msg.ID),
			zap.String("method", msg.Method))
		c.acknowledge(msg.ID)
	case KindNotification:
		c.handleNotification(msg)
	}
}

func (c *SocketConnection) handleNotification(msg *Message) {
	event, known := EventFromMethod(msg.Method)
	if !known {
		c.logger.Debug("ignoring LSP notification", zap.String("method", msg.Method))
		return
	}

	switch event {
	case EventCompileComplete:
		c.state.SetCompiled()
		c.logger.Info("dbt project compiled")
	case EventLogMessage:
		var params protocol.LogMessageParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Debug("malformed window/logMessage", zap.Error(err))
		} else {
			c.logger.Debug("LSP log", zap.String("message", params.Message))
			c.opts.Bus.Publish(events.NewLogReceivedEvent(ProcessName, events.LogSourceLogMessage, int(params.Type), params.Message))
		}
	}

	c.opts.Bus.Publish(events.NewNotificationEvent(ProcessName, msg.Method, msg.Params))
	if n := c.state.ResolveNotification(event, msg.Params); n > 0 {
		c.logger.Debug("resolved notification waiters", zap.String("event", string(event)), zap.Int("waiters", n))
	}
}

func (c *SocketConnection) acknowledge(id json.RawMessage) {
	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()
	if queue == nil {
		return
	}

	resp, err := NewResponse(id, nil)
	if err != nil {
		return
	}
	frame, err := EncodeMessage(resp)
	if err != nil {
		c.logger.Warn("encode acknowledgement", zap.Error(err))
		return
	}
	queue.push(frame)
}

func (c *SocketConnection) writeLoop(conn net.Conn, queue *outgoingQueue, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-queue.ready:
			if err := writeFrames(conn, queue.drain()); err != nil {
				c.logger.Warn("LSP write failed", zap.Error(err))
				// Closing ends the read loop, which marks the connection dead.
				_ = conn.Close()
				return
			}
		case <-stop:
			_ = conn.SetWriteDeadline(time.Now().Add(flushTimeout))
			if err := writeFrames(conn, queue.drain()); err != nil {
				c.logger.Debug("flush on stop failed", zap.Error(err))
			}
			return
		}
	}
}

func closed(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func writeFrames(w io.Writer, frames [][]byte) error {
	for _, frame := range frames {
		if _, err := w.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears the connection down: shutdown and exit when initialized, then
// closing the sockets, terminating the process and failing whatever is still
// pending. Every step runs even if an earlier one fails. Stop is idempotent.
func (c *SocketConnection) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.lifecycle == LifecycleStarting && c.startCancel != nil {
		cancel, startDone := c.startCancel, c.startDone
		c.mu.Unlock()
		cancel()
		select {
		case <-startDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if c.lifecycle != LifecycleRunning {
		c.mu.Unlock()
		return nil
	}
	c.lifecycle = LifecycleShuttingDown
	conn, ln, proc, queue := c.conn, c.listener, c.proc, c.queue
	stopCh, writeDone, readDone := c.stopCh, c.writeDone, c.readDone
	c.mu.Unlock()

	c.state.SetShuttingDown(true)
	c.logger.Info("stopping LSP connection")

	if c.state.Initialized() && queue != nil && proc != nil && proc.IsRunning() && !closed(readDone) {
		if _, err := c.request(ctx, queue, readDone, protocol.MethodShutdown, nil, c.opts.ShutdownTimeout); err != nil {
			c.logger.Warn("LSP shutdown request failed", zap.Error(err))
		}
		if err := c.notify(queue, protocol.MethodExit, nil); err != nil {
			c.logger.Warn("LSP exit notification failed", zap.Error(err))
		}
	}

	var result *multierror.Error

	if stopCh != nil {
		close(stopCh)
		select {
		case <-writeDone:
		case <-time.After(2 * flushTimeout):
			c.logger.Warn("LSP write loop did not finish flushing")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
	}
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
		}
	}
	if readDone != nil {
		<-readDone
	}
	if proc != nil {
		if err := proc.Stop(c.opts.GracePeriod); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop process: %w", err))
		}
	}

	c.state.FailPending(ErrConnectionClosed)
	c.state.reset()

	c.mu.Lock()
	c.conn = nil
	c.listener = nil
	c.proc = nil
	c.queue = nil
	c.stopCh = nil
	c.writeDone = nil
	c.readDone = nil
	c.port = 0
	c.lifecycle = LifecycleStopped
	c.mu.Unlock()

	c.opts.Bus.Publish(events.NewStatusChangedEvent(ConnectionName, events.StateStopping, events.StateStopped, events.Status{}))

	if err := result.ErrorOrNil(); err != nil {
		c.logger.Warn("LSP connection stopped with errors", zap.Error(err))
		return err
	}
	c.logger.Info("LSP connection stopped")
	return nil
}
