package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbt-labs/dbt-mcp/internal/config"
	"github.com/dbt-labs/dbt-mcp/internal/events"
	"github.com/dbt-labs/dbt-mcp/internal/logging"
	"github.com/dbt-labs/dbt-mcp/internal/lsp"
	"github.com/dbt-labs/dbt-mcp/internal/process"
	"github.com/dbt-labs/dbt-mcp/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as an MCP server",
	Long: `Run dbt-mcp as an MCP server over stdio.

This mode is intended to be spawned by an MCP client. For example:

  {
    "dbt": {
      "command": "dbt-mcp",
      "args": ["serve"],
      "env": {"DBT_PROJECT_DIR": "/path/to/project"}
    }
  }

When started with a config file, changes to disable_tools, enable_tools and
disable_lsp in that file are applied without a restart.`,
	RunE: runServe,
}

func init() {
	// --stdio is a no-op flag for compatibility (stdio is the only transport)
	serveCmd.Flags().Bool("stdio", false, "Use stdio transport (default, always enabled)")
	_ = serveCmd.Flags().MarkHidden("stdio")

	rootCmd.AddCommand(serveCmd)
}

// app is what every command that talks to the language server needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *events.Bus
	cleanup func()
}

// loadApp loads the config, applies flag overrides and sets up logging
// and the event bus. In stdio mode everything but the protocol goes to stderr.
func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(config.Options{File: configPath})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	logger, flush, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	bus := events.NewBus(logger)
	unsubscribe := bus.Subscribe(logEvents(logger.Named("lsp")))

	return &app{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		cleanup: func() {
			unsubscribe()
			bus.Close()
			flush()
		},
	}, nil
}

// connectionProvider builds the language server provider, or returns nil when
// the LSP toolset is unavailable.
func (rt *app) connectionProvider() *lsp.LocalConnectionProvider {
	lspCfg := rt.cfg.LSP
	if lspCfg == nil || lspCfg.Binary == nil {
		return nil
	}

	tracker, err := process.NewPIDTracker(rt.logger)
	if err != nil {
		rt.logger.Warn("PID tracking disabled", zap.Error(err))
		tracker = nil
	}

	return lsp.NewLocalConnectionProvider(lsp.ProviderOptions{
		Binary:            *lspCfg.Binary,
		ProjectDir:        lspCfg.ProjectDir,
		ConnectionTimeout: lspCfg.ConnectionTimeout,
		RequestTimeout:    lspCfg.RequestTimeout,
		StartAttempts:     lspCfg.StartAttempts,
		ClientVersion:     version,
		Logger:            rt.logger,
		Bus:               rt.bus,
		Tracker:           tracker,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	rt.logger.Info("dbt-mcp serve starting",
		zap.String("version", version),
		zap.String("config", rt.cfg.File))

	opts := server.Options{
		Config:        rt.cfg,
		ConfigPath:    rt.cfg.File, // For hot-reload watching
		Logger:        rt.logger,
		Stdin:         cmd.InOrStdin(),
		Stdout:        cmd.OutOrStdout(),
		ServerName:    "dbt-mcp",
		ServerVersion: version,
	}
	if connections := rt.connectionProvider(); connections != nil {
		rt.logger.Info("dbt LSP available",
			zap.String("binary", rt.cfg.LSP.Binary.Path),
			zap.String("lsp_version", rt.cfg.LSP.Binary.Version),
			zap.String("project_dir", rt.cfg.LSP.ProjectDir))
		opts.Connections = connections
		opts.Clients = lsp.NewLocalClientProvider(connections, rt.cfg.LSP.RequestTimeout)
	}

	srv, err := server.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			rt.logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("server error: %w", err)
	}

	rt.logger.Info("dbt-mcp serve exiting")
	return nil
}

// logEvents logs language server lifecycle events.
func logEvents(logger *zap.Logger) events.Handler {
	return func(e events.Event) {
		switch ev := e.(type) {
		case events.StatusChangedEvent:
			fields := []zap.Field{
				zap.String("component", ev.Component()),
				zap.Stringer("from", ev.OldState),
				zap.Stringer("to", ev.NewState),
			}
			if ev.Status.PID != 0 {
				fields = append(fields, zap.Int("pid", ev.Status.PID))
			}
			if ev.Status.Port != 0 {
				fields = append(fields, zap.Int("port", ev.Status.Port))
			}
			if ev.Status.Error != "" {
				fields = append(fields, zap.String("error", ev.Status.Error))
			}
			if ev.NewState == events.StateError || ev.NewState == events.StateCrashed {
				logger.Warn("state changed", fields...)
				return
			}
			logger.Info("state changed", fields...)
		case events.LogReceivedEvent:
			logger.Debug(ev.Line, zap.String("source", string(ev.Source)))
		case events.ErrorEvent:
			logger.Warn(ev.Message, zap.String("component", ev.Component()), zap.Error(ev.Err))
		case events.NotificationEvent:
			logger.Debug("notification", zap.String("method", ev.Method))
		}
	}
}
