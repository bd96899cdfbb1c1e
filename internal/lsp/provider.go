package lsp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/dbt-labs/dbt-mcp/internal/events"
	"github.com/dbt-labs/dbt-mcp/internal/process"
	"go.uber.org/zap"
)

const (
	DefaultStartAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
)

// ManagedConnection is a Connection whose lifecycle the provider owns.
type ManagedConnection interface {
	Connection
	Start(ctx context.Context) error
	Initialize(ctx context.Context, rootURI string, timeout time.Duration) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// ConnectionProvider hands out a started and initialized connection.
type ConnectionProvider interface {
	GetConnection(ctx context.Context) (ManagedConnection, error)
	CleanupConnection(ctx context.Context)
}

// ProviderOptions configures a LocalConnectionProvider.
type ProviderOptions struct {
	Binary     BinaryInfo
	ProjectDir string
	Args       []string

	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	StartAttempts     uint
	RetryDelay        time.Duration

	ClientVersion string

	Logger  *zap.Logger
	Bus     *events.Bus
	Tracker *process.PIDTracker

	// NewConnection overrides how connections are built.
	NewConnection func(Options) ManagedConnection
}

// LocalConnectionProvider lazily starts one language server for the project
// and reuses it until it stops running.
type LocalConnectionProvider struct {
	opts   ProviderOptions
	logger *zap.Logger

	mu   sync.Mutex
	conn ManagedConnection
}

// NewLocalConnectionProvider creates a provider. Language servers orphaned by
// a previous run are terminated first when a PID tracker is configured.
func NewLocalConnectionProvider(opts ProviderOptions) *LocalConnectionProvider {
	if opts.StartAttempts == 0 {
		opts.StartAttempts = DefaultStartAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.NewConnection == nil {
		opts.NewConnection = func(o Options) ManagedConnection {
			return NewSocketConnection(o)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if opts.Tracker != nil {
		if n := opts.Tracker.CleanupOrphans(); n > 0 {
			logger.Info("terminated orphaned LSP processes", zap.Int("count", n))
		}
	}

	return &LocalConnectionProvider{opts: opts, logger: logger}
}

func (p *LocalConnectionProvider) connectionOptions() Options {
	return Options{
		BinaryPath:            p.opts.Binary.Path,
		Cwd:                   p.opts.ProjectDir,
		Args:                  p.opts.Args,
		ConnectionTimeout:     p.opts.ConnectionTimeout,
		DefaultRequestTimeout: p.opts.RequestTimeout,
		ClientVersion:         p.opts.ClientVersion,
		Logger:                p.opts.Logger,
		Bus:                   p.opts.Bus,
		Tracker:               p.opts.Tracker,
	}
}

// GetConnection returns the cached connection, starting and initializing a
// new one when there is none or the cached one stopped running.
func (p *LocalConnectionProvider) GetConnection(ctx context.Context) (ManagedConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		if p.conn.IsRunning() {
			return p.conn, nil
		}
		p.logger.Warn("LSP connection is no longer running, reconnecting")
		p.stopLocked(ctx)
	}

	var conn ManagedConnection
	err := retry.Do(
		func() error {
			c := p.opts.NewConnection(p.connectionOptions())
			if err := c.Start(ctx); err != nil {
				return err
			}
			if err := c.Initialize(ctx, "", p.opts.RequestTimeout); err != nil {
				if stopErr := c.Stop(ctx); stopErr != nil {
					p.logger.Warn("failed to stop LSP connection after initialize failure", zap.Error(stopErr))
				}
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(p.opts.StartAttempts),
		retry.Delay(p.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("failed to start LSP connection, retrying",
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to establish LSP connection: %w", err)
	}

	p.conn = conn
	return conn, nil
}

// CleanupConnection stops the cached connection. Errors are logged and never
// returned, so it is safe to call during shutdown.
func (p *LocalConnectionProvider) CleanupConnection(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(ctx)
}

func (p *LocalConnectionProvider) stopLocked(ctx context.Context) {
	if p.conn == nil {
		return
	}
	if err := p.conn.Stop(ctx); err != nil {
		p.logger.Warn("error stopping LSP connection", zap.Error(err))
	}
	p.conn = nil
}

// ClientProvider hands out clients bound to a live connection.
type ClientProvider interface {
	GetClient(ctx context.Context) (*Client, error)
}

// LocalClientProvider builds clients on top of a ConnectionProvider.
type LocalClientProvider struct {
	connections ConnectionProvider
	timeout     time.Duration
}

// NewLocalClientProvider creates a client provider. A non-positive timeout
// uses DefaultLSPTimeout.
func NewLocalClientProvider(connections ConnectionProvider, timeout time.Duration) *LocalClientProvider {
	if timeout <= 0 {
		timeout = DefaultLSPTimeout
	}
	return &LocalClientProvider{connections: connections, timeout: timeout}
}

// GetClient returns a client for the current connection.
func (p *LocalClientProvider) GetClient(ctx context.Context) (*Client, error) {
	conn, err := p.connections.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, p.timeout), nil
}
