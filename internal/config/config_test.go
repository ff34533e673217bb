package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"ipcbus/internal/config"
)

func TestLoadDefaultConfigWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("IPCBUS_ROOT", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if !filepath.IsAbs(cfg.Channels.Root) || !strings.HasSuffix(cfg.Channels.Root, "ipcbus") {
		t.Fatalf("unexpected channel root %q", cfg.Channels.Root)
	}
	if cfg.CapacityBytes() != 1<<20 {
		t.Fatalf("capacity = %d bytes, want 1 MiB", cfg.CapacityBytes())
	}
	if cfg.PollInterval() != 50*time.Millisecond {
		t.Fatalf("poll interval = %v, want 50ms", cfg.PollInterval())
	}
	if cfg.Channels.MaxConnections != 32 || cfg.Channels.DispatchBatch != 64 {
		t.Fatalf("unexpected channel defaults: %+v", cfg.Channels)
	}
	if !cfg.Channels.ReapStaleSlots {
		t.Fatal("expected stale slot reaping enabled by default")
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadCustomPathExpandsAndNormalizes(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("IPCBUS_ROOT", "")

	custom := config.Default()
	custom.Channels.Root = "~/bus"
	custom.Channels.CapacityKiB = 64
	custom.Logging.Format = " JSON "
	custom.Logging.Level = "Debug"
	custom.Logging.Dir = "~/logs"

	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("resolved = %q exists = %v", resolved, exists)
	}
	if cfg.Channels.Root != filepath.Join(home, "bus") {
		t.Fatalf("root = %q", cfg.Channels.Root)
	}
	if cfg.Logging.Dir != filepath.Join(home, "logs") {
		t.Fatalf("log dir = %q", cfg.Logging.Dir)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("logging not normalized: %+v", cfg.Logging)
	}
	if cfg.CapacityBytes() != 64<<10 {
		t.Fatalf("capacity = %d", cfg.CapacityBytes())
	}
}

func TestEnvRootOverridesConfigFile(t *testing.T) {
	envRoot := filepath.Join(t.TempDir(), "from-env")
	t.Setenv("IPCBUS_ROOT", envRoot)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[channels]\nroot = \"/srv/ignored\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Channels.Root != envRoot {
		t.Fatalf("root = %q, want %q", cfg.Channels.Root, envRoot)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("IPCBUS_ROOT", "")
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[channels]\ncapacity = 10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, _, err := config.Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "capacity") {
		t.Fatalf("expected unknown key error naming capacity, got %v", err)
	}
}

func TestCreateSample(t *testing.T) {
	t.Setenv("IPCBUS_ROOT", "")
	path := filepath.Join(t.TempDir(), "nested", "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var decoded config.Config
	if err := toml.Unmarshal(contents, &decoded); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if decoded.Channels.CapacityKiB != config.Default().Channels.CapacityKiB {
		t.Fatalf("sample capacity %d differs from default", decoded.Channels.CapacityKiB)
	}

	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.Channels.Root = "/dev/shm/ipcbus-test"
		return cfg
	}
	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("baseline config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"relative root", func(c *config.Config) { c.Channels.Root = "relative/dir" }},
		{"tiny capacity", func(c *config.Config) { c.Channels.CapacityKiB = 1 }},
		{"no connections", func(c *config.Config) { c.Channels.MaxConnections = -1 }},
		{"too many connections", func(c *config.Config) { c.Channels.MaxConnections = 5000 }},
		{"zero poll", func(c *config.Config) { c.Channels.PollIntervalMS = -5 }},
		{"huge batch", func(c *config.Config) { c.Channels.DispatchBatch = 1 << 20 }},
		{"bad format", func(c *config.Config) { c.Logging.Format = "xml" }},
		{"bad level", func(c *config.Config) { c.Logging.Level = "verbose" }},
		{"bad metrics addr", func(c *config.Config) { c.Metrics.Listen = "9464" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
