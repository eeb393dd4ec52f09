// Package natsjs backs the client interface with a NATS JetStream work
// queue. Each task queue maps to a filtered subject on a shared stream
// with a durable pull consumer per queue; completion acks the message,
// failure naks it with backoff until delivery attempts run out.
package natsjs
