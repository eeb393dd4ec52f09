// Package client defines the boundary between workers and the external
// scheduler that owns task state. A Client hands out activity tasks and
// records exactly one outcome per delivery; retry policy and task
// persistence live behind the interface.
//
// Two implementations ship with txwork: client/local, an in-memory
// scheduler for tests and development, and client/natsjs, backed by a
// NATS JetStream work queue.
package client
