// Package config loads, normalizes, and validates ipcbus configuration data.
//
// It supplies defaults, expands user paths (including tilde shortcuts), reads
// TOML files, and honours the IPCBUS_ROOT environment override for the channel
// directory. The Config type centralizes the knobs the CLI and library
// callers need: where channel segments live, how large new rings are, how
// dispatch loops poll, and how logs are shaped.
//
// Obtain settings through this package so downstream code receives cleaned
// paths, canonical log formats, and clear validation errors.
package config
