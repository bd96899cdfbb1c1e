package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SetupTestHome points $HOME at a temp directory for the duration of the test.
// PIDTracker writes ~/.config/dbt-mcp/pids.json and orphan cleanup signals
// whatever is recorded there, so tests must never share the real home.
func SetupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	t.Setenv("USERPROFILE", tmpHome)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpHome, ".config"))

	if err := os.MkdirAll(filepath.Join(tmpHome, ".config", "dbt-mcp"), 0755); err != nil {
		t.Fatalf("create test config dir: %v", err)
	}
	return tmpHome
}

// WriteFile writes content to name under dir, creating parents, and returns
// the full path.
func WriteFile(t *testing.T, dir, name, content string, perm os.FileMode) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
