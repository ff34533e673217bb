// Package ipc exposes connections to same-host message channels and the
// background loop that delivers incoming messages to a callback.
//
// A Connection attaches to the channel addressed by (name, id) through a
// channel.Registry, sends messages into the channel's shared ring, and, once
// a callback is registered and auto-dispatch started, receives every message
// other connections send after it attached, in channel order. Each dispatching
// connection runs one goroutine; it wakes on the channel's doorbell and on a
// poll ticker as a fallback.
//
// Messages sent between Open and StartAutoDispatch are kept while the ring has
// room. After StartAutoDispatch the channel keeps every unread message for the
// connection, even across StopAutoDispatch, and senders see ErrChannelFull
// when it falls too far behind.
//
// Callbacks run on the dispatch goroutine. A callback may call Send on its own
// connection but must not call StopAutoDispatch or Close, which wait for the
// dispatch goroutine to exit.
package ipc
