package ipc

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"ipcbus/internal/channel"
	"ipcbus/internal/logging"
	"ipcbus/internal/message"
)

// dispatch is the per-connection delivery loop. It drains everything readable,
// then sleeps until the channel changes, the poll ticker fires, or stop is
// closed. stop is checked before every callback invocation.
func (c *Connection) dispatch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	c.metrics.DispatcherStarted()
	defer c.metrics.DispatcherStopped()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		// Capture the notification before reading so a send that lands
		// between the read and the wait still wakes us.
		changed := c.handle.Changed()
		if !c.drain(stop) {
			return
		}
		select {
		case <-stop:
			return
		case <-changed:
		case <-ticker.C:
		}
	}
}

// drain delivers batches until nothing is readable. It returns false when
// stop was observed or the connection lost its slot.
func (c *Connection) drain(stop <-chan struct{}) bool {
	for {
		if stopped(stop) {
			return false
		}
		records, err := c.handle.Read(c.batchSize)
		if errors.Is(err, channel.ErrSlotLost) {
			c.markLost(err)
			return false
		}
		if err != nil {
			c.report(fmt.Errorf("read %s: %w", c.label, err))
			return true
		}
		if len(records) == 0 {
			return true
		}
		for _, rec := range records {
			if stopped(stop) {
				return false
			}
			cb := c.callback.Load()
			if cb == nil {
				// Paused; the record stays unread until a callback returns.
				return true
			}
			c.deliver(*cb, rec)
			err := c.handle.Ack(rec.Next)
			if errors.Is(err, channel.ErrSlotLost) {
				c.markLost(err)
				return false
			}
			if err != nil {
				c.report(fmt.Errorf("ack %s seq %d: %w", c.label, rec.Seq, err))
				return true
			}
		}
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// deliver invokes cb for rec. A panic is recovered and reported; the record
// still counts as consumed so one bad message cannot wedge the connection.
func (c *Connection) deliver(cb Callback, rec channel.Record) {
	msg := message.Delivered(rec.Payload, rec.Seq, rec.Producer, rec.SentAt)
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.metrics.RecordCallbackPanic(c.label)
			err := fmt.Errorf("%w: seq %d: %v", ErrCallbackPanic, rec.Seq, r)
			logging.ErrorWithContext(c.logger, "callback panicked", "callback_panic",
				logging.Seq(rec.Seq),
				logging.Error(err),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "fix the callback; dispatch continues with the next message"),
			)
			c.notifyError(err)
		}
	}()
	cb(msg)
	c.delivered.Add(1)
	c.metrics.RecordDelivery(c.label, time.Since(rec.SentAt))
}

// report logs err and forwards it to the error handler.
func (c *Connection) report(err error) {
	logging.WarnWithContext(c.logger, "dispatch error", "dispatch_error",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "the dispatch loop retries on the next wake-up"),
	)
	c.notifyError(err)
}

func (c *Connection) notifyError(err error) {
	fn := c.onError.Load()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error handler panicked", logging.Any("panic", r))
		}
	}()
	(*fn)(err)
}
