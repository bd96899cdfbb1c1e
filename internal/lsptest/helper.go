package lsptest

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// HelperEnv marks a test binary that was re-executed to act as the language
// server. Its value selects the behaviour: "serve" or "no-compile".
const HelperEnv = "DBT_MCP_FAKE_LSP"

// WriteLauncher writes a shell script that re-executes the current test binary
// as a fake language server and returns its path. The calling test binary
// must define a test named helperTest that calls RunHelperProcess.
func WriteLauncher(t *testing.T, helperTest, mode string) string {
	t.Helper()

	t.Setenv(HelperEnv, mode)
	script := fmt.Sprintf("#!/bin/sh\nexec %s -test.run='^%s$' -- \"$@\"\n",
		strconv.Quote(os.Args[0]), helperTest)
	path := filepath.Join(t.TempDir(), "dbt-lsp")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write launcher: %v", err)
	}
	return path
}

// RunHelperProcess serves as the language server when HelperEnv is set and
// exits the process when the client disconnects. It returns immediately in a
// normal test run.
func RunHelperProcess() {
	mode := os.Getenv(HelperEnv)
	if mode == "" {
		return
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}

	fs := flag.NewFlagSet("dbt-lsp", flag.ContinueOnError)
	port := fs.Int("socket", 0, "port to connect back to")
	projectDir := fs.String("project-dir", "", "dbt project directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "fake dbt-lsp: %v\n", err)
		os.Exit(2)
	}
	if *port == 0 || *projectDir == "" {
		fmt.Fprintln(os.Stderr, "fake dbt-lsp: --socket and --project-dir are required")
		os.Exit(2)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(*port)), 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake dbt-lsp: dial: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "fake dbt-lsp serving %s\n", *projectDir)

	cfg := DefaultConfig()
	cfg.SkipCompile = mode == "no-compile"

	srv := Serve(context.Background(), conn, cfg)
	<-srv.Done()
	os.Exit(0)
}
