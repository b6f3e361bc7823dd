// Package asyncop implements the Async Operation Manager: a bounded worker
// pool that runs long-lived cache operations (sync, rebuild, repair) with
// progress reporting, cooperative cancellation, and memory-sensitive
// cleanup of completed-operation records.
//
// Submit hands an operation to the pool and returns its ID immediately,
// before a worker slot is available; the submitted Func observes
// cancellation through its CancelToken at the suspension points it
// documents (between sub-steps of sync, between per-entry validations,
// before each network call) and reports progress through its ProgressSink.
// Operations that fail with a Transient error are retried with exponential
// backoff inside the worker; all other errors terminate the operation.
package asyncop
