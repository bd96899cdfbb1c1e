package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/dbt-labs/dbt-mcp/internal/config"
	"github.com/dbt-labs/dbt-mcp/internal/lsp"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultProtocolVersion = "2024-11-05"
	DefaultDebounceDelay   = 100 * time.Millisecond

	// cleanupTimeout bounds the language server shutdown on exit.
	cleanupTimeout = 15 * time.Second
)

// Options configures the MCP server.
type Options struct {
	Config        *config.Config
	ConfigPath    string        // Config file to watch for tool changes (empty = no watching)
	DebounceDelay time.Duration // Delay before reloading after a config change

	// Clients backs the LSP tools. Connections is cleaned up on shutdown.
	Clients     lsp.ClientProvider
	Connections lsp.ConnectionProvider

	Logger          *zap.Logger
	Stdin           io.Reader
	Stdout          io.Writer
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
}

// Server is an MCP server speaking newline-delimited JSON-RPC over stdio.
type Server struct {
	opts     Options
	cfg      *config.Config
	logger   *zap.Logger
	registry *Registry

	// Protocol state
	initialized bool
	policy      config.ToolPolicy
	mu          sync.RWMutex

	// In-flight tool calls, keyed by raw request ID
	inflight   map[string]context.CancelFunc
	inflightMu sync.Mutex
	calls      sync.WaitGroup

	// IO
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex

	// Hot-reload
	reloadCh chan config.Settings // Serializes reload with request handling
}

// New creates a new MCP server and registers the tools the config allows.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Stdin == nil || opts.Stdout == nil {
		return nil, fmt.Errorf("stdin and stdout are required")
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = DefaultDebounceDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		opts:     opts,
		cfg:      opts.Config,
		logger:   logger.Named("server"),
		registry: NewRegistry(),
		policy:   opts.Config.ToolPolicy(),
		inflight: make(map[string]context.CancelFunc),
		reader:   bufio.NewReader(opts.Stdin),
		writer:   opts.Stdout,
		reloadCh: make(chan config.Settings, 1), // Buffered to avoid blocking watcher
	}

	tools := metadataTools(opts.ServerVersion)
	if lspCfg := opts.Config.LSP; lspCfg != nil && lspCfg.Binary != nil && opts.Clients != nil {
		tools = append(tools, lspTools(opts.Clients, s.logger)...)
	} else {
		s.logger.Info("LSP tools are not available")
	}
	for _, tool := range tools {
		if err := s.registry.Register(tool); err != nil {
			return nil, err
		}
	}
	s.warnUnknownTools(s.policy)

	return s, nil
}

// Registry returns the server's tool registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// readResult holds a line read from stdin and any error.
type readResult struct {
	line []byte
	err  error
}

// Run processes requests until stdin is closed or ctx is cancelled. In-flight
// tool calls finish before it returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.shutdown()
	defer cancel()
	defer s.calls.Wait()

	if s.opts.ConfigPath != "" {
		go s.watchConfig(ctx, s.opts.ConfigPath)
	}

	lines := make(chan readResult)
	go func() {
		defer close(lines)
		for {
			line, err := s.reader.ReadBytes('\n')
			if len(line) > 0 {
				// ReadBytes buffer is only valid until the next read, so clone it.
				line = append([]byte(nil), line...)
			}
			select {
			case lines <- readResult{line, err}:
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case settings := <-s.reloadCh:
			s.applyReload(settings)

		case r, ok := <-lines:
			if !ok {
				return ctx.Err()
			}

			// Process any data we got, even on EOF without a trailing newline
			line := bytes.TrimSpace(r.line)
			if len(line) > 0 {
				s.handleMessage(ctx, line)
			}

			if r.err != nil {
				if r.err == io.EOF {
					s.logger.Info("client closed connection")
					return nil
				}
				return fmt.Errorf("read request: %w", r.err)
			}
		}
	}
}

// handleMessage parses and routes a JSON-RPC message.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	s.logger.Debug("recv", zap.ByteString("message", data))

	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(nil, ErrParseError(err.Error()))
		return
	}

	if msg.ID == nil {
		s.handleNotification(msg.Method, msg.Params)
		return
	}

	// Tool calls may block on the language server, so they run concurrently
	// and can be cancelled.
	if msg.Method == "tools/call" {
		s.startToolCall(ctx, msg.ID, msg.Params)
		return
	}

	result, rpcErr := s.handleRequest(ctx, msg.Method, msg.Params)
	if rpcErr != nil {
		s.sendError(msg.ID, rpcErr)
	} else {
		s.sendResult(msg.ID, result)
	}
}

// handleRequest processes a JSON-RPC request and returns a result or error.
func (s *Server) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
	switch method {
	case "initialize":
		return s.handleInitialize(params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return s.handleToolsList()
	default:
		return nil, ErrMethodNotFound(method)
	}
}

// handleNotification processes a JSON-RPC notification.
func (s *Server) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/initialized":
		s.logger.Debug("client sent initialized notification")
	case "notifications/cancelled":
		var req cancelledParams
		if err := json.Unmarshal(params, &req); err != nil {
			s.logger.Warn("invalid cancellation", zap.Error(err))
			return
		}
		if s.cancelToolCall(req.RequestID) {
			s.logger.Info("tool call cancelled",
				zap.ByteString("id", req.RequestID), zap.String("reason", req.Reason))
		}
	default:
		s.logger.Debug("unknown notification", zap.String("method", method))
	}
}

// handleInitialize handles the initialize request.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil, ErrInvalidRequest("already initialized")
	}

	var req initializeRequest
	if params != nil {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
	}

	s.logger.Info("initialize",
		zap.String("client", req.ClientInfo.Name),
		zap.String("client_version", req.ClientInfo.Version),
		zap.String("protocol", req.ProtocolVersion))

	s.initialized = true

	return initializeResult{
		ProtocolVersion: s.opts.ProtocolVersion,
		ServerInfo: serverInfo{
			Name:    s.opts.ServerName,
			Version: s.opts.ServerVersion,
		},
		Capabilities: capabilities{
			Tools: &toolsCapability{ListChanged: s.opts.ConfigPath != ""},
		},
	}, nil
}

// handleToolsList handles the tools/list request.
func (s *Server) handleToolsList() (any, *RPCError) {
	s.mu.RLock()
	if !s.initialized {
		s.mu.RUnlock()
		return nil, ErrInvalidRequest("not initialized")
	}
	policy := s.policy
	s.mu.RUnlock()

	tools := make([]toolDescriptor, 0)
	for _, tool := range s.enabledTools(policy) {
		tools = append(tools, tool.descriptor())
	}
	return toolsListResult{Tools: tools}, nil
}

func (s *Server) startToolCall(ctx context.Context, id json.RawMessage, params json.RawMessage) {
	key := string(id)
	callCtx, cancel := context.WithCancel(ctx)

	s.inflightMu.Lock()
	s.inflight[key] = cancel
	s.inflightMu.Unlock()

	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		defer cancel()

		result, rpcErr := s.handleToolsCall(callCtx, params)

		s.inflightMu.Lock()
		_, live := s.inflight[key]
		delete(s.inflight, key)
		s.inflightMu.Unlock()

		// A cancelled request gets no response.
		if !live {
			return
		}
		if rpcErr != nil {
			s.sendError(id, rpcErr)
		} else {
			s.sendResult(id, result)
		}
	}()
}

// cancelToolCall cancels an in-flight call and reports whether one existed.
func (s *Server) cancelToolCall(id json.RawMessage) bool {
	key := string(bytes.TrimSpace(id))
	s.inflightMu.Lock()
	cancel, ok := s.inflight[key]
	delete(s.inflight, key)
	s.inflightMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// handleToolsCall handles the tools/call request.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (*ToolCallResult, *RPCError) {
	s.mu.RLock()
	if !s.initialized {
		s.mu.RUnlock()
		return nil, ErrInvalidRequest("not initialized")
	}
	policy := s.policy
	s.mu.RUnlock()

	var req toolsCallRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}

	tool, ok := s.registry.Get(req.Name)
	if !ok {
		return nil, ErrToolNotFound(req.Name)
	}
	if allowed, reason := IsToolAllowed(policy, tool); !allowed {
		return nil, ErrToolDisabled(req.Name, reason)
	}

	start := time.Now()
	result, err := tool.Handler(ctx, req.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", zap.String("tool", req.Name), zap.Error(err))
		return errorResult(err.Error()), nil
	}
	if result == nil {
		result = &ToolCallResult{Content: []json.RawMessage{}}
	}
	s.logger.Debug("tool call finished",
		zap.String("tool", req.Name),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("is_error", result.IsError))
	return result, nil
}

// enabledTools filters the registry through policy.
func (s *Server) enabledTools(policy config.ToolPolicy) []Tool {
	var out []Tool
	for _, tool := range s.registry.Tools() {
		if allowed, _ := IsToolAllowed(policy, tool); allowed {
			out = append(out, tool)
		}
	}
	return out
}

func (s *Server) warnUnknownTools(policy config.ToolPolicy) {
	for _, name := range unknownToolNames(policy, s.registry) {
		s.logger.Warn("ignoring unknown tool name in tool lists", zap.String("tool", name))
	}
}

// shutdown stops the language server if one was started.
func (s *Server) shutdown() {
	s.logger.Info("shutting down server")
	if s.opts.Connections == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	s.opts.Connections.CleanupConnection(ctx)
}

// watchConfig watches the config file for changes and sends new settings to reloadCh.
// It watches the parent directory (not the file) to handle atomic renames.
func (s *Server) watchConfig(ctx context.Context, configPath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("failed to create config watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(configPath)
	filename := filepath.Base(configPath)

	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("failed to watch config directory", zap.String("dir", dir), zap.Error(err))
		return
	}

	s.logger.Info("watching config file", zap.String("path", configPath))

	var debounceTimer *time.Timer
	var debounceMu sync.Mutex

	triggerReload := func() {
		debounceMu.Lock()
		defer debounceMu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(s.opts.DebounceDelay, func() {
			settings, _, err := config.LoadSettings(configPath)
			if err != nil {
				s.logger.Warn("failed to load config after change, keeping current settings", zap.Error(err))
				return
			}

			select {
			case s.reloadCh <- settings:
				s.logger.Debug("config reload queued")
			case <-ctx.Done():
			default:
				s.logger.Debug("config reload already pending, skipping")
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			// Atomic writes show up as rename/create depending on OS/editor
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.logger.Debug("config file event", zap.String("file", event.Name), zap.Stringer("op", event.Op))
				triggerReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// applyReload swaps in the tool policy from reloaded settings. It must be
// called from the Run goroutine.
func (s *Server) applyReload(settings config.Settings) {
	policy := settings.ToolPolicy()

	s.mu.Lock()
	old := s.policy
	s.policy = policy
	initialized := s.initialized
	s.mu.Unlock()

	if policy.Equal(old) {
		s.logger.Debug("config reloaded, tool lists unchanged")
		return
	}
	s.warnUnknownTools(policy)

	before := toolNames(s.enabledTools(old))
	after := toolNames(s.enabledTools(policy))
	s.logger.Info("tool lists reloaded",
		zap.Strings("enabled_before", before),
		zap.Strings("enabled_after", after))

	if initialized && !equalStrings(before, after) {
		s.sendNotification("notifications/tools/list_changed")
	}
}

func toolNames(tools []Tool) []string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sendResult sends a successful JSON-RPC response.
func (s *Server) sendResult(id json.RawMessage, result any) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		s.sendError(id, ErrInternalError(err.Error()))
		return
	}
	s.send(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  resultJSON,
	})
}

// sendError sends a JSON-RPC error response.
func (s *Server) sendError(id json.RawMessage, rpcErr *RPCError) {
	s.send(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	})
}

// sendNotification sends a parameterless notification to the client.
func (s *Server) sendNotification(method string) {
	s.send(rpcMessage{JSONRPC: "2.0", Method: method})
}

// send writes a JSON-RPC message to stdout.
func (s *Server) send(msg any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	s.logger.Debug("send", zap.ByteString("message", data))

	_, _ = s.writer.Write(append(data, '\n'))
}

// JSON-RPC message types

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type initializeRequest struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools *toolsCapability `json:"tools,omitempty"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolsCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}
