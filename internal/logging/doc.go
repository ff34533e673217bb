// Package logging assembles structured slog loggers and formatting helpers used
// across ipcbus.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context helpers so code running on behalf of a channel
// connection tags its log lines with the channel key and connection id. When a
// log directory is configured, records are written to the terminal in console
// form and to ipcbus.log as JSON at the same time. A no-op logger is provided
// for tests and for library callers that do not pass one.
package logging
