package message

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPayload reports an attempt to build a Message from something that
// is not a byte sequence.
var ErrInvalidPayload = errors.New("invalid payload")

var byteSliceType = reflect.TypeOf([]byte(nil))

// Message is an immutable binary payload. The zero value is an empty message
// that has not been sent.
type Message struct {
	data     []byte
	seq      uint64
	producer uuid.UUID
	sentAt   time.Time
}

// New wraps a copy of data. No size limit applies here; the transport
// enforces its own limits at send time.
func New(data []byte) Message {
	return Message{data: clone(data)}
}

// FromValue builds a Message from an arbitrary value. Only byte slices (or
// named types whose underlying type is []byte) and existing Messages are
// accepted. Strings and every other type fail with ErrInvalidPayload.
func FromValue(v any) (Message, error) {
	switch value := v.(type) {
	case []byte:
		return New(value), nil
	case Message:
		return value, nil
	case *Message:
		if value == nil {
			return Message{}, fmt.Errorf("%w: nil message", ErrInvalidPayload)
		}
		return *value, nil
	case nil:
		return Message{}, fmt.Errorf("%w: nil value", ErrInvalidPayload)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Type().ConvertibleTo(byteSliceType) && rv.Type().Elem().Kind() == reflect.Uint8 {
		return New(rv.Convert(byteSliceType).Bytes()), nil
	}
	return Message{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidPayload, v)
}

// Delivered assembles a message read back from a channel. The transport hands
// over a buffer it no longer references, so data is not copied again.
func Delivered(data []byte, seq uint64, producer uuid.UUID, sentAt time.Time) Message {
	return Message{
		data:     data,
		seq:      seq,
		producer: producer,
		sentAt:   sentAt,
	}
}

// Data returns a copy of the payload bytes.
func (m Message) Data() []byte {
	return clone(m.data)
}

// Len returns the payload size in bytes.
func (m Message) Len() int {
	return len(m.data)
}

// Seq returns the channel sequence number assigned at send time, or 0 for a
// message that has not travelled through a channel.
func (m Message) Seq() uint64 {
	return m.seq
}

// Producer returns the identifier of the connection that sent the message.
func (m Message) Producer() uuid.UUID {
	return m.producer
}

// SentAt returns the time the producer enqueued the message.
func (m Message) SentAt() time.Time {
	return m.sentAt
}

// Equal reports whether two messages carry identical payloads.
func (m Message) Equal(other Message) bool {
	return bytes.Equal(m.data, other.data)
}

func (m Message) String() string {
	if m.seq == 0 {
		return fmt.Sprintf("message(%d bytes)", len(m.data))
	}
	return fmt.Sprintf("message(seq=%d, %d bytes, producer=%s)", m.seq, len(m.data), m.producer)
}

func clone(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
