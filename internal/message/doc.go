// Package message defines the immutable payload unit exchanged over ipcbus
// channels.
//
// A Message wraps an opaque byte sequence together with the metadata the
// transport stamps on it at send time: a per-channel sequence number and the
// identifier of the producing connection. Payload bytes are copied on the way
// in and on the way out, so neither the sender nor any receiver can mutate a
// message another party holds.
//
// Encoding is deliberately out of scope. Callers that need structure (JSON,
// length-prefixed frames) encode it into the payload themselves.
package message
