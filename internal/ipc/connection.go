package ipc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ipcbus/internal/channel"
	"ipcbus/internal/logging"
	"ipcbus/internal/message"
	"ipcbus/internal/metrics"
)

// State is a connection's lifecycle stage.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDispatching:
		return "dispatching"
	default:
		return "closed"
	}
}

// Callback receives one delivered message.
type Callback func(message.Message)

// Stats counts what a connection has done since Open.
type Stats struct {
	Sent           uint64 `json:"sent"`
	SendFailures   uint64 `json:"send_failures"`
	Delivered      uint64 `json:"delivered"`
	CallbackPanics uint64 `json:"callback_panics"`
}

// Connection is one attachment to a channel. Send, SetCallback, and
// SetErrorHandler are safe from any goroutine, including the callback.
type Connection struct {
	reg     *channel.Registry
	handle  *channel.Handle
	key     channel.Key
	id      uuid.UUID
	label   string
	logger  *slog.Logger
	metrics *metrics.Metrics

	pollInterval time.Duration
	batchSize    int

	callback atomic.Pointer[Callback]
	onError  atomic.Pointer[func(error)]

	// mu guards closed. Send holds it shared so Close waits for in-flight
	// sends before releasing the handle.
	mu     sync.RWMutex
	closed bool
	// lost is set once the channel freed this connection's slot. The
	// connection then behaves as closed until Close releases it.
	lost atomic.Bool

	// dispatchMu serializes starting and stopping the dispatch goroutine.
	dispatchMu  sync.Mutex
	stop        chan struct{}
	done        chan struct{}
	dispatching atomic.Bool

	sent         atomic.Uint64
	sendFailures atomic.Uint64
	delivered    atomic.Uint64
	panics       atomic.Uint64
}

// Open attaches a new connection to the channel (name, id), creating the
// channel if no process has it. The connection sees only messages sent after
// Open returns.
func Open(reg *channel.Registry, name string, id int64, opts ...Option) (*Connection, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrChannelUnavailable)
	}
	key, err := channel.NewKey(name, id)
	if err != nil {
		return nil, err
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}

	connID := uuid.New()
	handle, err := reg.Resolve(key, connID)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		reg:          reg,
		handle:       handle,
		key:          key,
		id:           connID,
		label:        key.String(),
		metrics:      cfg.metrics,
		pollInterval: cfg.pollInterval,
		batchSize:    cfg.batchSize,
	}
	c.logger = logging.NewComponentLogger(cfg.logger, "ipc").With(
		logging.Channel(key),
		logging.Connection(connID),
	)
	if cfg.onError != nil {
		c.SetErrorHandler(cfg.onError)
	}
	c.logger.Debug("connection opened", logging.Int(logging.FieldSlot, handle.Slot()))
	return c, nil
}

// ID returns the connection's unique identifier. Messages it sends carry it
// as their producer.
func (c *Connection) ID() uuid.UUID { return c.id }

// Key returns the normalized channel address.
func (c *Connection) Key() channel.Key { return c.key }

// State reports whether the connection is closed, idle, or dispatching.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.lost.Load() {
		return StateClosed
	}
	if c.dispatching.Load() {
		return StateDispatching
	}
	return StateOpen
}

// Snapshot reports the shared state of the connection's channel.
func (c *Connection) Snapshot() (channel.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.lost.Load() {
		return channel.Snapshot{}, ErrConnectionClosed
	}
	return c.handle.Snapshot()
}

// Stats returns the connection's counters.
func (c *Connection) Stats() Stats {
	return Stats{
		Sent:           c.sent.Load(),
		SendFailures:   c.sendFailures.Load(),
		Delivered:      c.delivered.Load(),
		CallbackPanics: c.panics.Load(),
	}
}

// Send enqueues msg on the channel exactly once. It returns after every
// attached connection can read the message and never waits for them to do
// so. A full ring fails with ErrChannelFull; Send does not retry.
func (c *Connection) Send(msg message.Message) error {
	c.mu.RLock()
	if c.closed || c.lost.Load() {
		c.mu.RUnlock()
		c.recordSendFailure(ErrConnectionClosed)
		return ErrConnectionClosed
	}
	seq, err := c.handle.Enqueue(msg.Data())
	c.mu.RUnlock()
	// The error handler runs with no connection lock held.
	if errors.Is(err, channel.ErrSlotLost) {
		c.markLost(err)
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	if err != nil {
		c.recordSendFailure(err)
		c.logger.Debug("send rejected", logging.Int("payload_bytes", msg.Len()), logging.Error(err))
		return err
	}
	c.sent.Add(1)
	c.metrics.RecordSend(c.label)
	c.logger.Debug("message sent", logging.Seq(seq), logging.Int("payload_bytes", msg.Len()))
	return nil
}

// SendValue converts v with message.FromValue and sends it.
func (c *Connection) SendValue(v any) error {
	msg, err := message.FromValue(v)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Connection) recordSendFailure(err error) {
	c.sendFailures.Add(1)
	c.metrics.RecordSendFailure(c.label, sendFailureReason(err))
}

// SetCallback installs fn for future deliveries, replacing any previous
// callback. Each delivery uses exactly one callback value. A nil fn pauses
// delivery without losing messages. Setting a callback on a closed
// connection has no effect.
func (c *Connection) SetCallback(fn Callback) {
	if fn == nil {
		c.callback.Store(nil)
		return
	}
	c.callback.Store(&fn)
}

// SetErrorHandler installs fn to receive errors the dispatch loop cannot
// return to anyone: read failures and recovered callback panics (wrapped
// with ErrCallbackPanic), and the ErrConnectionClosed raised when the
// connection loses its slot. fn usually runs on the dispatch goroutine, so
// like a callback it must not call StopAutoDispatch or Close.
func (c *Connection) SetErrorHandler(fn func(error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// StartAutoDispatch launches the dispatch goroutine. It is a no-op when
// already dispatching.
func (c *Connection) StartAutoDispatch() error {
	c.dispatchMu.Lock()
	err := c.startLocked()
	c.dispatchMu.Unlock()
	// The error handler runs with no connection lock held.
	if errors.Is(err, channel.ErrSlotLost) {
		c.markLost(err)
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return err
}

func (c *Connection) startLocked() error {
	c.mu.RLock()
	closed := c.closed || c.lost.Load()
	c.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}
	if c.callback.Load() == nil {
		return ErrNoCallbackRegistered
	}
	if c.stop != nil {
		return nil
	}
	// From here on the channel keeps unread messages for this connection.
	if err := c.handle.Subscribe(); err != nil {
		return err
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.dispatching.Store(true)
	go c.dispatch(c.stop, c.done)
	c.logger.Debug("auto-dispatch started", logging.Duration("poll_interval", c.pollInterval))
	return nil
}

// StopAutoDispatch signals the dispatch goroutine and waits for it to exit.
// No callback runs after it returns. It is a no-op when not dispatching and
// must not be called from inside the callback.
func (c *Connection) StopAutoDispatch() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.stopLocked()
}

func (c *Connection) stopLocked() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
	c.done = nil
	c.dispatching.Store(false)
	c.logger.Debug("auto-dispatch stopped")
}

// Close stops dispatch, detaches from the channel, and releases the channel
// when this was its last connection. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.dispatchMu.Lock()
	c.stopLocked()
	c.dispatchMu.Unlock()

	if err := c.reg.Release(c.handle); err != nil {
		logging.WarnWithContext(c.logger, "channel release incomplete", "channel_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove leftover files under the channel root once no process uses the channel"),
			logging.String(logging.FieldImpact, "a stale segment may remain on disk"),
		)
		return err
	}
	c.logger.Debug("connection closed", logging.Uint64("delivered", c.delivered.Load()))
	return nil
}

// markLost retires a connection whose slot was freed underneath it. Later
// operations fail with ErrConnectionClosed; Close is still required to drop
// the local handle.
func (c *Connection) markLost(cause error) {
	if !c.lost.CompareAndSwap(false, true) {
		return
	}
	err := fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	logging.ErrorWithContext(c.logger, "connection detached by channel", "connection_lost",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "the slot was reaped as stale; open a new connection"),
	)
	c.notifyError(err)
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s (%s)", c.label, c.id)
}
