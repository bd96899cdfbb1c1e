package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dbt-labs/dbt-mcp/internal/lsp"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	configDir  = ".config/dbt-mcp"
	configFile = "config.yaml"
)

// Environment variables, each bound to the settings key next to it.
var envBindings = []struct {
	key string
	env string
}{
	{"project_dir", "DBT_PROJECT_DIR"},
	{"lsp_path", "DBT_LSP_PATH"},
	{"disable_lsp", "DISABLE_LSP"},
	{"disable_tools", "DISABLE_TOOLS"},
	{"enable_tools", "DBT_MCP_ENABLE_TOOLS"},
	{"lsp_connection_timeout", "DBT_LSP_CONNECTION_TIMEOUT"},
	{"lsp_request_timeout", "DBT_LSP_REQUEST_TIMEOUT"},
	{"lsp_start_attempts", "DBT_LSP_START_ATTEMPTS"},
	{"log_level", "DBT_MCP_LOG_LEVEL"},
	{"log_file", "DBT_MCP_LOG_FILE"},
}

var defaults = map[string]any{
	"disable_lsp":            false,
	"disable_tools":          []string{},
	"enable_tools":           []string{},
	"lsp_connection_timeout": lsp.DefaultConnectionTimeout,
	"lsp_request_timeout":    lsp.DefaultRequestTimeout,
	"lsp_start_attempts":     lsp.DefaultStartAttempts,
	"log_level":              "info",
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

// Options controls Load.
type Options struct {
	// File is an explicit config file, which must exist. When empty the
	// default path is read if present.
	File string

	// ResolveBinary locates the language server. Defaults to lsp.ResolveBinary.
	ResolveBinary func(customPath string) (*lsp.BinaryInfo, error)
}

// Load reads settings from defaults, the config file and the environment, in
// increasing precedence, then resolves the LSP configuration.
func Load(opts Options) (*Config, error) {
	settings, file, err := LoadSettings(opts.File)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Settings: settings, File: file}

	resolve := opts.ResolveBinary
	if resolve == nil {
		resolve = lsp.ResolveBinary
	}
	cfg.resolveLSP(resolve)
	return cfg, nil
}

// LoadSettings reads only the raw settings. It returns the config file that
// was used, if any.
func LoadSettings(file string) (Settings, string, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return Settings{}, "", fmt.Errorf("bind %s: %w", b.env, err)
		}
	}

	path, err := configFilePath(file)
	if err != nil {
		return Settings{}, "", err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, "", fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return Settings{}, "", fmt.Errorf("parse config: %w", err)
	}
	s.DisableTools = cleanList(s.DisableTools)
	s.EnableTools = cleanList(s.EnableTools)

	if err := s.validate(); err != nil {
		return Settings{}, "", err
	}
	return s, path, nil
}

// configFilePath picks the file to read. An explicit path must exist; the
// default path is skipped when missing.
func configFilePath(file string) (string, error) {
	if file != "" {
		path, err := expandHome(file)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}

	path, err := ConfigPath()
	if err != nil {
		// No home directory means no default file.
		return "", nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return path, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

func (s Settings) validate() error {
	if s.LSPConnectionTimeout <= 0 {
		return fmt.Errorf("lsp_connection_timeout must be positive, got %s", s.LSPConnectionTimeout)
	}
	if s.LSPRequestTimeout <= 0 {
		return fmt.Errorf("lsp_request_timeout must be positive, got %s", s.LSPRequestTimeout)
	}
	if s.LSPStartAttempts == 0 {
		return errors.New("lsp_start_attempts must be at least 1")
	}
	return nil
}

func (c *Config) resolveLSP(resolve func(string) (*lsp.BinaryInfo, error)) {
	if c.DisableLSP || c.ProjectDir == "" {
		return
	}

	c.LSP = &LSPConfig{
		ProjectDir:        c.ProjectDir,
		ConnectionTimeout: c.LSPConnectionTimeout,
		RequestTimeout:    c.LSPRequestTimeout,
		StartAttempts:     c.LSPStartAttempts,
	}

	binary, err := resolve(c.LSPPath)
	switch {
	case err != nil:
		c.Warnings = append(c.Warnings, fmt.Sprintf("could not resolve dbt LSP binary: %v", err))
	case binary == nil:
		c.Warnings = append(c.Warnings, "no dbt LSP binary found; LSP tools are unavailable")
	default:
		c.LSP.Binary = binary
	}
	if c.LSPPath != "" && (binary == nil || binary.Path != c.LSPPath) {
		c.Warnings = append(c.Warnings, fmt.Sprintf("DBT_LSP_PATH %q is not a file; using detection", c.LSPPath))
	}
}

// durationHookFunc accepts Go duration strings and bare numbers of seconds.
func durationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
