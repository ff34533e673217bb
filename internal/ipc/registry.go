package ipc

import (
	"errors"
	"log/slog"

	"ipcbus/internal/channel"
	"ipcbus/internal/config"
)

// NewRegistry builds the process's channel registry from cfg.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*channel.Registry, error) {
	if cfg == nil {
		return nil, errors.New("ipc registry requires config")
	}
	return channel.NewRegistry(channel.Options{
		Root:           cfg.Channels.Root,
		Capacity:       cfg.CapacityBytes(),
		MaxConnections: cfg.Channels.MaxConnections,
		ReapStale:      cfg.Channels.ReapStaleSlots,
	}, logger)
}
