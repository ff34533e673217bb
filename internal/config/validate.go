package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateChannels(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateChannels() error {
	if c.Channels.Root == "" || !filepath.IsAbs(c.Channels.Root) {
		return fmt.Errorf("channels.root must be an absolute path, got %q", c.Channels.Root)
	}
	if c.Channels.CapacityKiB < minCapacityKiB || c.Channels.CapacityKiB > maxCapacityKiB {
		return fmt.Errorf("channels.capacity_kib must be between %d and %d", minCapacityKiB, maxCapacityKiB)
	}
	if c.Channels.MaxConnections < 1 || c.Channels.MaxConnections > maxConnections {
		return fmt.Errorf("channels.max_connections must be between 1 and %d", maxConnections)
	}
	if c.Channels.PollIntervalMS < 1 || c.Channels.PollIntervalMS > maxPollIntervalMS {
		return fmt.Errorf("channels.poll_interval_ms must be between 1 and %d", maxPollIntervalMS)
	}
	if c.Channels.DispatchBatch < 1 || c.Channels.DispatchBatch > maxDispatchBatch {
		return fmt.Errorf("channels.dispatch_batch must be between 1 and %d", maxDispatchBatch)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (want console or json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
		return errors.New("metrics.listen must be host:port, e.g. 127.0.0.1:9464")
	}
	return nil
}
