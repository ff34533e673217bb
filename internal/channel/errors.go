package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelUnavailable reports that the shared resource behind a key
	// could not be created, opened, or attached to.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrChannelFull reports that the ring has no room for a record until
	// slower readers catch up.
	ErrChannelFull = errors.New("channel full")
	// ErrMessageTooLarge reports a payload that can never fit in the ring.
	ErrMessageTooLarge = errors.New("message too large for channel")
	// ErrHandleReleased reports use of a Handle after Release.
	ErrHandleReleased = errors.New("channel handle released")
	// ErrSlotLost reports that a handle's slot was freed by someone else,
	// usually because its process was presumed dead and reaped.
	ErrSlotLost = errors.New("connection slot no longer attached")
)

// wrap tags err with marker while keeping both matchable by errors.Is.
func wrap(marker error, detail string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}
