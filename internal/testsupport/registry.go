package testsupport

import (
	"testing"

	"ipcbus/internal/channel"
	"ipcbus/internal/config"
	"ipcbus/internal/ipc"
	"ipcbus/internal/logging"
)

// NewRegistry builds a registry over cfg's channel root. A nil cfg gets a
// fresh NewConfig.
func NewRegistry(t testing.TB, cfg *config.Config) *channel.Registry {
	t.Helper()

	if cfg == nil {
		cfg = NewConfig(t)
	}
	reg, err := ipc.NewRegistry(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("ipc.NewRegistry: %v", err)
	}
	return reg
}

// MustOpen opens a connection and closes it when the test ends.
func MustOpen(t testing.TB, reg *channel.Registry, name string, id int64, opts ...ipc.Option) *ipc.Connection {
	t.Helper()

	conn, err := ipc.Open(reg, name, id, opts...)
	if err != nil {
		t.Fatalf("ipc.Open(%q, %d): %v", name, id, err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("close %s: %v", conn.Key(), err)
		}
	})
	return conn
}
