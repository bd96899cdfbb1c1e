// Package lsptest provides a scripted dbt language server for tests. It speaks
// real JSON-RPC over a socket so the client under test exercises its full
// framing and correlation path.
package lsptest

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

const (
	compileCompleteMethod = "dbt/lspCompileComplete"
	listNodesCommand      = "dbt.listNodes"
	progressToken         = "dbt-compile"
)

// Node is one entry of a dbt.listNodes result.
type Node struct {
	UniqueID     string `json:"uniqueId"`
	Name         string `json:"name"`
	ResourceType string `json:"resourceType"`
}

// Config scripts the server's answers.
type Config struct {
	// Lineage maps a listNodes selector to the nodes returned for it.
	// Unknown selectors get {"error": ...} in the result, as the real server does.
	Lineage map[string][]Node

	// CompileDelay postpones the compile-complete notification.
	CompileDelay time.Duration

	// SkipCompile never announces a finished compile.
	SkipCompile bool

	Logger *zap.Logger
}

// DefaultConfig answers lineage for the customers.customer_id column of the
// jaffle_shop example project.
func DefaultConfig() Config {
	return Config{
		Lineage: map[string][]Node{
			"+column:model.jaffle_shop.customers.CUSTOMER_ID+": {
				{UniqueID: "source.jaffle_shop.raw.customers", Name: "customers", ResourceType: "source"},
				{UniqueID: "model.jaffle_shop.stg_customers", Name: "stg_customers", ResourceType: "model"},
				{UniqueID: "model.jaffle_shop.customers", Name: "customers", ResourceType: "model"},
			},
			"+column:model.jaffle_shop.orders.UNUSED+": {},
		},
		CompileDelay: 50 * time.Millisecond,
	}
}

// Server is a running fake language server.
type Server struct {
	cfg    Config
	conn   jsonrpc2.Conn
	logger *zap.Logger

	mu      sync.Mutex
	methods []string
}

// Serve starts answering requests on rwc. It returns immediately; use Done to
// wait for the connection to end.
func Serve(ctx context.Context, rwc io.ReadWriteCloser, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))
	s := &Server{cfg: cfg, conn: conn, logger: logger}
	conn.Go(ctx, s.handler())
	return s
}

// Methods returns every method received so far, in order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// Done is closed when the connection ends.
func (s *Server) Done() <-chan struct{} {
	return s.conn.Done()
}

// Close drops the connection.
func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) handler() jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		s.mu.Lock()
		s.methods = append(s.methods, req.Method())
		s.mu.Unlock()

		switch req.Method() {
		case protocol.MethodInitialize:
			return s.handleInitialize(ctx, reply, req)
		case protocol.MethodInitialized:
			go s.compile(ctx)
			return reply(ctx, nil, nil)
		case protocol.MethodWorkspaceExecuteCommand:
			return s.handleExecuteCommand(ctx, reply, req)
		case protocol.MethodShutdown:
			return reply(ctx, nil, nil)
		case protocol.MethodExit:
			if err := reply(ctx, nil, nil); err != nil {
				s.logger.Debug("reply to exit", zap.Error(err))
			}
			return s.conn.Close()
		default:
			return reply(ctx, nil, jsonrpc2.ErrMethodNotFound)
		}
	}
}

func (s *Server) handleInitialize(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.InitializeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return reply(ctx, nil, &jsonrpc2.Error{Code: jsonrpc2.InvalidParams, Message: "failed to parse initialize params"})
	}
	s.logger.Debug("initialize", zap.String("root_uri", string(params.RootURI)))

	return reply(ctx, protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			ExecuteCommandProvider: &protocol.ExecuteCommandOptions{
				Commands: []string{listNodesCommand},
			},
		},
		ServerInfo: &protocol.ServerInfo{Name: "fake-dbt-lsp", Version: "0.0.0-test"},
	}, nil)
}

// compile mimics a project compile: a progress token round trip, a log line,
// then the dbt compile-complete notification.
func (s *Server) compile(ctx context.Context) {
	if _, err := s.conn.Call(ctx, protocol.MethodWorkDoneProgressCreate, map[string]string{"token": progressToken}, nil); err != nil {
		s.logger.Debug("create progress token", zap.Error(err))
	}
	_ = s.conn.Notify(ctx, protocol.MethodWindowLogMessage, protocol.LogMessageParams{
		Type:    protocol.MessageTypeInfo,
		Message: "compiling dbt project",
	})

	if s.cfg.SkipCompile {
		return
	}
	select {
	case <-time.After(s.cfg.CompileDelay):
	case <-ctx.Done():
		return
	}

	_ = s.conn.Notify(ctx, protocol.MethodProgress, map[string]any{
		"token": progressToken,
		"value": map[string]any{"kind": "end"},
	})
	_ = s.conn.Notify(ctx, compileCompleteMethod, map[string]any{})
}

func (s *Server) handleExecuteCommand(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.ExecuteCommandParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return reply(ctx, nil, &jsonrpc2.Error{Code: jsonrpc2.InvalidParams, Message: "failed to parse executeCommand params"})
	}
	if params.Command != listNodesCommand {
		return reply(ctx, nil, &jsonrpc2.Error{Code: jsonrpc2.InvalidParams, Message: "unknown command: " + params.Command})
	}
	if len(params.Arguments) != 1 {
		return reply(ctx, nil, &jsonrpc2.Error{Code: jsonrpc2.InvalidParams, Message: "dbt.listNodes takes one selector"})
	}
	selector, _ := params.Arguments[0].(string)

	nodes, ok := s.cfg.Lineage[selector]
	if !ok {
		return reply(ctx, map[string]any{"error": "no nodes match selector " + selector}, nil)
	}
	return reply(ctx, map[string]any{"nodes": nodes}, nil)
}
