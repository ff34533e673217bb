package ipc

import (
	"log/slog"
	"time"

	"ipcbus/internal/config"
	"ipcbus/internal/metrics"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultBatchSize    = 64
)

// Option customizes a Connection at Open.
type Option func(*settings)

type settings struct {
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	onError      func(error)
	metrics      *metrics.Metrics
}

func defaultSettings() settings {
	return settings{
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
	}
}

// WithLogger routes connection and dispatch logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithPollInterval bounds how long the dispatch loop sleeps when no doorbell
// arrives. Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize sets how many messages the dispatch loop reads per pass.
func WithBatchSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithErrorHandler installs the handler for dispatch errors; see
// Connection.SetErrorHandler.
func WithErrorHandler(fn func(error)) Option {
	return func(s *settings) {
		s.onError = fn
	}
}

// WithMetrics records traffic on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithConfig applies the dispatch settings from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) {
		if cfg == nil {
			return
		}
		WithPollInterval(cfg.PollInterval())(s)
		WithBatchSize(cfg.Channels.DispatchBatch)(s)
	}
}
