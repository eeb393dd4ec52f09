// Package redisdriver binds sessions and transaction managers to Redis.
// The manager maps the transaction lifecycle onto a MULTI/EXEC pipeline:
// commands issued through the session between Begin and Commit are
// queued and executed atomically at commit; Abort discards the queue.
//
// Redis gives atomicity but no isolation or rollback of executed
// commands, which is the usual fit for ephemeral high-throughput state.
package redisdriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/session"
	"github.com/veldtlabs/txwork/tx"
)

// Compile-time interface checks.
var (
	_ session.Session    = (*Session)(nil)
	_ tx.ManagerProvider = (*Session)(nil)
	_ tx.Manager         = (*Manager)(nil)
	_ tx.Doomer          = (*Manager)(nil)
)

// Driver hands out sessions over a shared Redis client.
type Driver struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// Option configures the Driver.
type Option func(*Driver)

// WithLogger sets the logger for the driver and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// New wraps an existing Redis client. The caller owns the client
// lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Driver {
	d := &Driver{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Client returns the underlying Redis client.
func (d *Driver) Client() redis.UniversalClient { return d.client }

// Ping verifies the Redis connection is alive.
func (d *Driver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// SessionFactory returns a factory producing a session per invocation.
func (d *Driver) SessionFactory() session.Factory {
	return func(_ context.Context) (session.Session, error) {
		s := &Session{client: d.client, logger: d.logger}
		s.mgr = &Manager{sess: s}
		return s, nil
	}
}

// Session is one invocation's view of Redis. Cmd returns the queueing
// pipeline while a transaction is open, so activity writes land in the
// MULTI/EXEC block.
type Session struct {
	client redis.UniversalClient
	mgr    *Manager
	logger *slog.Logger
}

// TxManager returns the session's transaction manager.
func (s *Session) TxManager() tx.Manager { return s.mgr }

// Cmd returns the active transaction pipeline when one is open,
// otherwise the raw client. Reads issued through an open pipeline are
// queued, not answered, until commit.
func (s *Session) Cmd() redis.Cmdable {
	if p := s.mgr.current(); p != nil {
		return p
	}
	return s.client
}

// Close is a no-op; the client is shared and owned by the caller.
func (s *Session) Close() error { return nil }

// Manager maps the transaction lifecycle onto a Redis TxPipeline.
type Manager struct {
	sess *Session

	mu     sync.Mutex
	pipe   redis.Pipeliner
	status tx.Status
}

// Begin opens a MULTI/EXEC pipeline.
func (m *Manager) Begin(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case tx.StatusActive, tx.StatusDoomed:
		return txwork.ErrAlreadyActive
	case tx.StatusCommitted, tx.StatusAborted:
		return txwork.ErrTxFinished
	}

	m.pipe = m.sess.client.TxPipeline()
	m.status = tx.StatusActive
	return nil
}

// Commit executes the queued commands atomically. A doomed transaction
// is refused.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case tx.StatusNone:
		return txwork.ErrNoTransaction
	case tx.StatusDoomed:
		return txwork.ErrTxDoomed
	case tx.StatusCommitted, tx.StatusAborted:
		return txwork.ErrTxFinished
	}

	_, err := m.pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("txwork/redisdriver: exec: %w", err)
	}
	m.pipe = nil
	m.status = tx.StatusCommitted
	return nil
}

// Abort discards the queued commands.
func (m *Manager) Abort(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case tx.StatusNone:
		return txwork.ErrNoTransaction
	case tx.StatusCommitted, tx.StatusAborted:
		return txwork.ErrTxFinished
	}

	m.pipe.Discard()
	m.pipe = nil
	m.status = tx.StatusAborted
	return nil
}

// Status returns the current transaction status.
func (m *Manager) Status() tx.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Doom marks an active transaction for mandatory rollback; the queued
// commands are discarded on Abort without ever executing.
func (m *Manager) Doom() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == tx.StatusActive {
		m.status = tx.StatusDoomed
	}
}

func (m *Manager) current() redis.Pipeliner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipe
}
