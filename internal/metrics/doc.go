// Package metrics exposes Prometheus counters for channel traffic.
//
// A Metrics value owns its own registry so several can coexist in one
// process (tests, embedded use). Every method is safe on a nil *Metrics,
// which lets callers treat metrics as optional without branching.
package metrics
