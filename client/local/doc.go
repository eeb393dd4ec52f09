// Package local is an in-memory scheduler for tests and development.
// Tasks live in process memory, failed tasks are redelivered with
// backoff until their attempts run out, and submitters can wait on a
// Future for the final outcome. Nothing survives a restart.
package local
