// Package mongodriver binds sessions and transaction managers to
// MongoDB via the official v2 driver. Each txwork session wraps one
// mongo session; the manager drives a multi-document transaction on it.
// Transactions require a replica set or mongos deployment.
package mongodriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

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

// Driver hands out per-invocation mongo sessions.
type Driver struct {
	client     *mongod.Client
	database   string
	ownsClient bool
	logger     *slog.Logger
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

// Connect dials MongoDB, e.g. "mongodb://localhost:27017". The driver
// owns the client and disconnects it on Close.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Driver, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("txwork/mongodriver: connect: %w", err)
	}
	d := NewWithClient(client, database, opts...)
	d.ownsClient = true
	return d, nil
}

// NewWithClient wraps an existing client. The caller owns the client
// lifecycle; Close does not touch it.
func NewWithClient(client *mongod.Client, database string, opts ...Option) *Driver {
	d := &Driver{client: client, database: database, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Client returns the underlying mongo client.
func (d *Driver) Client() *mongod.Client { return d.client }

// Ping verifies connectivity.
func (d *Driver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, nil)
}

// Close disconnects the client when this driver owns it.
func (d *Driver) Close(ctx context.Context) error {
	if d.ownsClient {
		return d.client.Disconnect(ctx)
	}
	return nil
}

// SessionFactory returns a factory starting one mongo session per
// invocation.
func (d *Driver) SessionFactory() session.Factory {
	return func(_ context.Context) (session.Session, error) {
		ms, err := d.client.StartSession()
		if err != nil {
			return nil, fmt.Errorf("txwork/mongodriver: start session: %w", err)
		}
		s := &Session{
			client:   d.client,
			database: d.database,
			ms:       ms,
			logger:   d.logger,
		}
		s.mgr = &Manager{sess: s}
		return s, nil
	}
}

// Session is one invocation's mongo session. Activities must run their
// operations with a context from Context so they join the transaction.
type Session struct {
	client   *mongod.Client
	database string
	ms       *mongod.Session
	mgr      *Manager
	logger   *slog.Logger
}

// TxManager returns the session's transaction manager.
func (s *Session) TxManager() tx.Manager { return s.mgr }

// Context binds ctx to the mongo session. Operations issued with the
// returned context participate in the invocation's transaction.
func (s *Session) Context(ctx context.Context) context.Context {
	return mongod.NewSessionContext(ctx, s.ms)
}

// Database returns the configured database handle.
func (s *Session) Database() *mongod.Database {
	return s.client.Database(s.database)
}

// Collection returns a collection handle in the configured database.
func (s *Session) Collection(name string) *mongod.Collection {
	return s.Database().Collection(name)
}

// Close ends the mongo session. Idempotent.
func (s *Session) Close() error {
	if s.ms != nil {
		s.ms.EndSession(context.Background())
		s.ms = nil
	}
	return nil
}

// Manager drives a multi-document transaction on the session.
type Manager struct {
	sess *Session

	mu     sync.Mutex
	status tx.Status
}

// Begin starts a transaction on the mongo session.
func (m *Manager) Begin(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case tx.StatusActive, tx.StatusDoomed:
		return txwork.ErrAlreadyActive
	case tx.StatusCommitted, tx.StatusAborted:
		return txwork.ErrTxFinished
	}
	if m.sess.ms == nil {
		return txwork.ErrScopeClosed
	}

	if err := m.sess.ms.StartTransaction(); err != nil {
		return fmt.Errorf("txwork/mongodriver: begin: %w", err)
	}
	m.status = tx.StatusActive
	return nil
}

// Commit commits the transaction. A doomed transaction is refused.
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

	if err := m.sess.ms.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("txwork/mongodriver: commit: %w", err)
	}
	m.status = tx.StatusCommitted
	return nil
}

// Abort aborts the transaction. Aborting from Doomed is the expected
// exit.
func (m *Manager) Abort(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case tx.StatusNone:
		return txwork.ErrNoTransaction
	case tx.StatusCommitted, tx.StatusAborted:
		return txwork.ErrTxFinished
	}

	err := m.sess.ms.AbortTransaction(ctx)
	m.status = tx.StatusAborted
	if err != nil {
		return fmt.Errorf("txwork/mongodriver: abort: %w", err)
	}
	return nil
}

// Status returns the current transaction status.
func (m *Manager) Status() tx.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Doom marks an active transaction for mandatory rollback.
func (m *Manager) Doom() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == tx.StatusActive {
		m.status = tx.StatusDoomed
	}
}
