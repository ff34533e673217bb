package testsupport

import (
	"path/filepath"
	"testing"

	"ipcbus/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with a unique channel root per test so
// parallel tests never share segments. Polling is tightened to keep dispatch
// tests fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Channels.Root = filepath.Join(base, "channels")
	cfgVal.Channels.PollIntervalMS = 10
	cfgVal.Logging.Level = "debug"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return builder.cfg
}

// WithCapacityKiB overrides the ring size of channels created by the test.
func WithCapacityKiB(kib int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Channels.CapacityKiB = kib
	}
}

// WithMaxConnections overrides the slot count of channels created by the test.
func WithMaxConnections(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Channels.MaxConnections = n
	}
}

// WithRoot points the config at an existing channel root, letting two
// registries (or two processes) share segments.
func WithRoot(root string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Channels.Root = root
	}
}

// WithLogDir enables the JSON log file under the test's temp directory.
func WithLogDir() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Logging.Dir = filepath.Join(b.baseDir, "logs")
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Channels.Root)
}
