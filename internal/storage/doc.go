// Package storage persists the outbound queue, attempt history, and
// per-carrier aggregates.
//
// The queue is the only mutable state shared across processor runs, so
// reads that lead to a send go through Claim* methods: the state
// transition out of pending/reintentando happens atomically with the
// read, and a row claimed by one run is invisible to a concurrent one.
package storage
