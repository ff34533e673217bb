// Package main hosts the ipcbus CLI entrypoint and command graph.
//
// The Cobra-based command tree lets scripts take part in same-host channels:
// send messages, listen for them, and inspect or list the channels that live
// under the configured root. It centralizes configuration resolution, logger
// construction, and the process-wide channel registry so subcommands only
// deal with their own flags and output.
//
// Keep this package lean: channel semantics live in internal/ipc and
// internal/channel; commands here translate flags into calls and render the
// results.
package main
