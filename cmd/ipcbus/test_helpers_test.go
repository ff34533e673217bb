package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ipcbus/internal/channel"
	"ipcbus/internal/testsupport"
)

type cliTestEnv struct {
	root       string
	configPath string
	registry   *channel.Registry
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("IPCBUS_ROOT", "")

	root := filepath.Join(base, "channels")
	configPath := filepath.Join(homeDir, ".config", "ipcbus", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	content := fmt.Sprintf("[channels]\nroot = %q\npoll_interval_ms = 10\n\n[logging]\nlevel = \"warn\"\n", root)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := testsupport.NewConfig(t, testsupport.WithRoot(root))
	return &cliTestEnv{
		root:       root,
		configPath: configPath,
		registry:   testsupport.NewRegistry(t, cfg),
	}
}

func runCLI(t *testing.T, args []string, configPath, stdin string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

// waitAttached blocks until key has at least n attached connections.
func waitAttached(t *testing.T, reg *channel.Registry, name string, id int64, n int) {
	t.Helper()
	key, err := channel.NewKey(name, id)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		snap, err := reg.Inspect(key)
		return err == nil && snap.Attached >= n
	})
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
