package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ipcbus/internal/logging"
)

const namespace = "ipcbus"

// Send failure reasons used as label values.
const (
	ReasonFull     = "full"
	ReasonTooLarge = "too_large"
	ReasonClosed   = "closed"
	ReasonOther    = "other"
)

// Metrics holds the counters recorded by connections and dispatch loops.
type Metrics struct {
	registry *prometheus.Registry

	sent            *prometheus.CounterVec   // by channel
	sendFailures    *prometheus.CounterVec   // by channel and reason
	delivered       *prometheus.CounterVec   // by channel
	callbackPanics  *prometheus.CounterVec   // by channel
	deliveryLatency *prometheus.HistogramVec // send to callback, by channel
	dispatchers     prometheus.Gauge
}

// New creates a Metrics with a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages enqueued on a channel by this process",
		}, []string{"channel"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Send attempts rejected by the channel",
		}, []string{"channel", "reason"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a dispatch callback",
		}, []string{"channel"}),
		callbackPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_panics_total",
			Help:      "Dispatch callbacks that panicked",
		}, []string{"channel"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Time from send to callback invocation",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"channel"}),
		dispatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_dispatchers",
			Help:      "Dispatch loops currently running",
		}),
	}
	m.registry.MustRegister(
		m.sent,
		m.sendFailures,
		m.delivered,
		m.callbackPanics,
		m.deliveryLatency,
		m.dispatchers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordSend counts one successful send.
func (m *Metrics) RecordSend(channel string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(channel).Inc()
}

// RecordSendFailure counts one rejected send.
func (m *Metrics) RecordSendFailure(channel, reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(channel, reason).Inc()
}

// RecordDelivery counts one callback invocation and observes how long the
// message waited in the ring.
func (m *Metrics) RecordDelivery(channel string, latency time.Duration) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(channel).Inc()
	if latency >= 0 {
		m.deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

// RecordCallbackPanic counts one recovered callback panic.
func (m *Metrics) RecordCallbackPanic(channel string) {
	if m == nil {
		return
	}
	m.callbackPanics.WithLabelValues(channel).Inc()
}

// DispatcherStarted and DispatcherStopped track running dispatch loops.
func (m *Metrics) DispatcherStarted() {
	if m == nil {
		return
	}
	m.dispatchers.Inc()
}

func (m *Metrics) DispatcherStopped() {
	if m == nil {
		return
	}
	m.dispatchers.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled. The listener is
// bound before Serve returns control to the caller's goroutine so bind errors
// surface immediately.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.serve(ctx, listener, logging.NewComponentLogger(logger, "metrics"))
}

func (m *Metrics) serve(ctx context.Context, listener net.Listener, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", logging.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
