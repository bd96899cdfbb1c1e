package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dbt-labs/dbt-mcp/internal/config"
	"github.com/dbt-labs/dbt-mcp/internal/lsp"
	"github.com/dbt-labs/dbt-mcp/internal/theme"
	"github.com/spf13/cobra"
)

var lineageJSON bool

var lspCmd = &cobra.Command{
	Use:   "lsp",
	Short: "Inspect and query the dbt language server",
}

var lspInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved dbt language server",
	Long: `Show which dbt language server binary would be used, its version and
the project it would serve. The server is not started.`,
	Args: cobra.NoArgs,
	RunE: runLSPInfo,
}

var lspLineageCmd = &cobra.Command{
	Use:   "lineage <model-id> <column>",
	Short: "Print the column lineage of a model column",
	Long: `Start the dbt language server, compile the project and print the nodes
upstream and downstream of a column.

Examples:
  dbt-mcp lsp lineage model.jaffle_shop.customers customer_id
  dbt-mcp lsp lineage model.jaffle_shop.customers customer_id --json`,
	Args: cobra.ExactArgs(2),
	RunE: runLSPLineage,
}

func init() {
	lspLineageCmd.Flags().BoolVar(&lineageJSON, "json", false, "Output the raw result as JSON")

	lspCmd.AddCommand(lspInfoCmd)
	lspCmd.AddCommand(lspLineageCmd)
	rootCmd.AddCommand(lspCmd)
}

func runLSPInfo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.Options{File: configPath})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	renderLSPInfo(cmd.OutOrStdout(), theme.New(), cfg)
	return nil
}

func renderLSPInfo(w io.Writer, th theme.Theme, cfg *config.Config) {
	fmt.Fprintln(w, th.Title.Render("dbt language server"))

	switch {
	case cfg.DisableLSP:
		fmt.Fprintln(w, th.KeyValue("status", th.StatusIcon(false, false)+" disabled by DISABLE_LSP"))
	case cfg.LSP == nil:
		fmt.Fprintln(w, th.KeyValue("status", th.StatusIcon(false, false)+" no project dir (set DBT_PROJECT_DIR)"))
	case cfg.LSP.Binary == nil:
		fmt.Fprintln(w, th.KeyValue("status", th.StatusIcon(false, true)+" binary not found"))
		fmt.Fprintln(w, th.KeyValue("project dir", cfg.LSP.ProjectDir))
	default:
		fmt.Fprintln(w, th.KeyValue("status", th.StatusIcon(true, false)+" available"))
		fmt.Fprintln(w, th.KeyValue("binary", cfg.LSP.Binary.Path))
		fmt.Fprintln(w, th.KeyValue("version", orDash(cfg.LSP.Binary.Version)))
		fmt.Fprintln(w, th.KeyValue("project dir", cfg.LSP.ProjectDir))
	}

	if cfg.File != "" {
		fmt.Fprintln(w, th.KeyValue("config", th.Muted.Render(cfg.File)))
	}
	for _, warning := range cfg.Warnings {
		fmt.Fprintln(w, th.Warn.Render("! "+warning))
	}
}

func runLSPLineage(cmd *cobra.Command, args []string) error {
	modelID, column := args[0], args[1]

	rt, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	connections := rt.connectionProvider()
	if connections == nil {
		return errors.New("dbt language server is not available; run 'dbt-mcp lsp info' for details")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer connections.CleanupConnection(context.Background())

	client, err := lsp.NewLocalClientProvider(connections, rt.cfg.LSP.RequestTimeout).GetClient(ctx)
	if err != nil {
		return err
	}
	result, err := client.GetColumnLineage(ctx, modelID, column)
	if err != nil {
		if errors.Is(err, lsp.ErrRequestTimeout) {
			return errors.New("timeout waiting for column lineage")
		}
		return fmt.Errorf("failed to get column lineage: %w", err)
	}

	if lineageJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	return renderLineage(cmd.OutOrStdout(), theme.New(), modelID, column, result)
}

// renderLineage prints one line per lineage node.
func renderLineage(w io.Writer, th theme.Theme, modelID, column string, result map[string]any) error {
	if msg, ok := result["error"]; ok {
		return fmt.Errorf("LSP error: %v", msg)
	}

	nodes, _ := result["nodes"].([]any)
	title := fmt.Sprintf("%s.%s", modelID, strings.ToUpper(column))
	if len(nodes) == 0 {
		fmt.Fprintln(w, th.Muted.Render("No column lineage found for "+title))
		return nil
	}

	fmt.Fprintf(w, "%s %s\n", th.Title.Render("Column lineage"), th.Primary.Render(title))

	typeWidth := 0
	for _, n := range nodes {
		if l := len(nodeField(n, "resourceType", "resource_type")); l > typeWidth {
			typeWidth = l
		}
	}
	if typeWidth == 0 {
		typeWidth = 1
	}

	for _, n := range nodes {
		resourceType := nodeField(n, "resourceType", "resource_type")
		id := nodeField(n, "uniqueId", "unique_id", "name")
		if id == "" {
			raw, _ := json.Marshal(n)
			id = string(raw)
		}
		pad := typeWidth - len(resourceType)
		if resourceType == "" {
			pad = typeWidth - 1
		}
		fmt.Fprintf(w, "  %s%s  %s\n", th.ResourceType(resourceType), strings.Repeat(" ", pad), id)
	}
	fmt.Fprintln(w, th.Faint.Render(fmt.Sprintf("%d nodes", len(nodes))))
	return nil
}

// nodeField returns the first non-empty string field among keys.
func nodeField(node any, keys ...string) string {
	m, ok := node.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
