// Package dispatch is the engine core: it drains the persisted queue,
// picks a carrier per attempt, throttles, executes the send, classifies
// the outcome, and advances each item's state machine until delivery or
// retry exhaustion.
package dispatch
