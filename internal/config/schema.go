// Package config provides the settings schema and loading for dbt-mcp.
package config

import (
	"strings"
	"time"

	"github.com/dbt-labs/dbt-mcp/internal/lsp"
)

// Toolset groups tools that are enabled or disabled together.
type Toolset string

const (
	ToolsetDbtLSP            Toolset = "dbt_lsp"
	ToolsetMCPServerMetadata Toolset = "mcp_server_metadata"
)

// Settings are the raw values read from the environment and config file.
// Keys in the YAML file use the mapstructure names.
type Settings struct {
	ProjectDir   string   `mapstructure:"project_dir"`
	LSPPath      string   `mapstructure:"lsp_path"`
	DisableLSP   bool     `mapstructure:"disable_lsp"`
	DisableTools []string `mapstructure:"disable_tools"`
	EnableTools  []string `mapstructure:"enable_tools"`

	LSPConnectionTimeout time.Duration `mapstructure:"lsp_connection_timeout"`
	LSPRequestTimeout    time.Duration `mapstructure:"lsp_request_timeout"`
	LSPStartAttempts     uint          `mapstructure:"lsp_start_attempts"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// LSPConfig is present when the LSP toolset can be offered.
type LSPConfig struct {
	ProjectDir string
	// Binary is nil when no language server could be found.
	Binary *lsp.BinaryInfo

	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	StartAttempts     uint
}

// Config is the resolved configuration.
type Config struct {
	Settings

	// File is the config file that was read, or empty.
	File string

	// LSP is nil when the LSP toolset is disabled or no project is set.
	LSP *LSPConfig

	// Warnings collects non-fatal problems found while resolving.
	Warnings []string
}

// ToolPolicy decides which tools are offered. See Enabled for precedence.
type ToolPolicy struct {
	Enable           map[string]bool
	Disable          map[string]bool
	DisabledToolsets map[Toolset]bool
}

// ToolPolicy derives the tool policy from the settings.
func (s Settings) ToolPolicy() ToolPolicy {
	p := ToolPolicy{
		Enable:           toSet(s.EnableTools),
		Disable:          toSet(s.DisableTools),
		DisabledToolsets: make(map[Toolset]bool),
	}
	if s.DisableLSP {
		p.DisabledToolsets[ToolsetDbtLSP] = true
	}
	return p
}

// Equal reports whether two policies enable the same things.
func (p ToolPolicy) Equal(other ToolPolicy) bool {
	return sameKeys(p.Enable, other.Enable) &&
		sameKeys(p.Disable, other.Disable) &&
		sameKeys(p.DisabledToolsets, other.DisabledToolsets)
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = true
		}
	}
	return set
}

func sameKeys[K comparable](a, b map[K]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
