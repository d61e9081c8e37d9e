// Package dispatch is the admission controller: it owns submission,
// cancellation and status of queue entries, claims pending work under
// per-executor-type concurrency limits, and supervises running executions.
//
// One Controller runs per process. All queue state lives in the store; the
// controller keeps only the in-flight execution handles in memory.
package dispatch
