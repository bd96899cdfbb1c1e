package lsp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// CodeEditor is an editor whose dbt extension ships the language server.
type CodeEditor string

const (
	EditorCode     CodeEditor = "code"
	EditorCursor   CodeEditor = "cursor"
	EditorWindsurf CodeEditor = "windsurf"
)

// CodeEditors lists editors in detection order.
var CodeEditors = []CodeEditor{EditorCode, EditorCursor, EditorWindsurf}

// versionTimeout bounds `<binary> --version`.
const versionTimeout = 10 * time.Second

// BinaryInfo identifies a dbt language server binary.
type BinaryInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// BinaryLocator finds the dbt language server installed by an editor
// extension. The zero value inspects the running system.
type BinaryLocator struct {
	GOOS    string
	Home    string
	Getenv  func(string) string
	Version func(path string) (string, error)
}

func (l BinaryLocator) goos() string {
	if l.GOOS != "" {
		return l.GOOS
	}
	return runtime.GOOS
}

func (l BinaryLocator) getenv(key string) string {
	if l.Getenv != nil {
		return l.Getenv(key)
	}
	return os.Getenv(key)
}

func (l BinaryLocator) home() (string, error) {
	if l.Home != "" {
		return l.Home, nil
	}
	return os.UserHomeDir()
}

// StoragePath returns where editor's dbt extension keeps the binary.
func (l BinaryLocator) StoragePath(editor CodeEditor) (string, error) {
	home, err := l.home()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	var base, binary string
	switch goos := l.goos(); goos {
	case "windows":
		base = l.getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		binary = "dbt-lsp.exe"
	case "darwin":
		base = filepath.Join(home, "Library", "Application Support")
		binary = "dbt-lsp"
	case "linux":
		base = l.getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		binary = "dbt-lsp"
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
	return filepath.Join(base, string(editor), "User", "globalStorage", "dbtlabsinc.dbt", "bin", binary), nil
}

// BinaryVersion reads the version from a .version file next to an
// extension-installed binary, falling back to `<path> --version`.
func (l BinaryLocator) BinaryVersion(path string) (string, error) {
	base := filepath.Base(path)
	if base == "dbt-lsp" || base == "dbt-lsp.exe" {
		if data, err := os.ReadFile(filepath.Join(filepath.Dir(path), ".version")); err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}
	if l.Version != nil {
		return l.Version(path)
	}
	return runVersion(path)
}

func runVersion(path string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Detect returns the first regular-file binary found across CodeEditors, or
// nil when none is installed.
func (l BinaryLocator) Detect() (*BinaryInfo, error) {
	for _, editor := range CodeEditors {
		path, err := l.StoragePath(editor)
		if err != nil {
			return nil, err
		}
		if !isRegularFile(path) {
			continue
		}
		version, err := l.BinaryVersion(path)
		if err != nil {
			return nil, err
		}
		return &BinaryInfo{Path: path, Version: version}, nil
	}
	return nil, nil
}

// Resolve uses customPath when it names a regular file and otherwise falls
// back to Detect. A nil result means no binary is available.
func (l BinaryLocator) Resolve(customPath string) (*BinaryInfo, error) {
	if customPath != "" && isRegularFile(customPath) {
		version, err := l.BinaryVersion(customPath)
		if err != nil {
			return nil, err
		}
		return &BinaryInfo{Path: customPath, Version: version}, nil
	}
	return l.Detect()
}

// ResolveBinary resolves the language server on the running system.
func ResolveBinary(customPath string) (*BinaryInfo, error) {
	return BinaryLocator{}.Resolve(customPath)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
