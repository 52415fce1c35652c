// Package resolve performs name resolution for coroutines.
//
// Lookups run on a bounded worker pool, as events: the calling coroutine is
// suspended until the worker's result is handed back to the reactor. The
// package-level functions use [Default]. Temporary resolver failures are
// retried with exponential backoff until the lookup is abandoned.
package resolve
