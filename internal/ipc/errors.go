package ipc

import (
	"errors"

	"ipcbus/internal/channel"
	"ipcbus/internal/message"
	"ipcbus/internal/metrics"
)

var (
	// ErrInvalidPayload reports a value that cannot become a message.
	ErrInvalidPayload = message.ErrInvalidPayload
	// ErrChannelUnavailable reports that the channel could not be created or
	// attached to.
	ErrChannelUnavailable = channel.ErrChannelUnavailable
	// ErrChannelFull reports that a send found no room in the ring because
	// some connection has not consumed older messages.
	ErrChannelFull = channel.ErrChannelFull
	// ErrMessageTooLarge reports a payload larger than the channel's ring.
	ErrMessageTooLarge = channel.ErrMessageTooLarge
	// ErrConnectionClosed reports an operation on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNoCallbackRegistered reports StartAutoDispatch without a callback.
	ErrNoCallbackRegistered = errors.New("no callback registered")
	// ErrCallbackPanic is passed to the error handler when a callback panics.
	ErrCallbackPanic = errors.New("callback panicked")
)

// sendFailureReason maps a send error to a metrics label.
func sendFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrChannelFull):
		return metrics.ReasonFull
	case errors.Is(err, ErrMessageTooLarge):
		return metrics.ReasonTooLarge
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, channel.ErrHandleReleased):
		return metrics.ReasonClosed
	default:
		return metrics.ReasonOther
	}
}
