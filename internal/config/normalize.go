package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeChannels(); err != nil {
		return err
	}
	if err := c.normalizeLogging(); err != nil {
		return err
	}
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
	return nil
}

func (c *Config) normalizeChannels() error {
	if value, ok := os.LookupEnv(rootEnv); ok && strings.TrimSpace(value) != "" {
		c.Channels.Root = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Channels.Root) == "" {
		c.Channels.Root = defaultChannelRoot()
	}
	var err error
	if c.Channels.Root, err = expandPath(strings.TrimSpace(c.Channels.Root)); err != nil {
		return fmt.Errorf("channels.root: %w", err)
	}
	if c.Channels.CapacityKiB == 0 {
		c.Channels.CapacityKiB = defaultCapacityKiB
	}
	if c.Channels.MaxConnections == 0 {
		c.Channels.MaxConnections = defaultMaxConnections
	}
	if c.Channels.PollIntervalMS == 0 {
		c.Channels.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Channels.DispatchBatch == 0 {
		c.Channels.DispatchBatch = defaultDispatchBatch
	}
	return nil
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = ""
		return nil
	}
	var err error
	if c.Logging.Dir, err = expandPath(strings.TrimSpace(c.Logging.Dir)); err != nil {
		return fmt.Errorf("logging.dir: %w", err)
	}
	return nil
}
