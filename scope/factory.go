package scope

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/id"
	"github.com/veldtlabs/txwork/session"
	"github.com/veldtlabs/txwork/tx"
)

// Factory produces a fresh Scope per activity invocation.
//
// Two modes are supported:
//
//   - Per-invocation (default): every Acquire creates a fresh session and a
//     fresh transaction manager, guaranteeing isolation between concurrent
//     or retried invocations.
//   - Shared/injected: a pre-existing manager (and optionally session) is
//     reused across invocations, e.g. by a test harness that must observe
//     uncommitted state. The caller serializes access to the shared handle;
//     the factory adds no locking of its own.
type Factory struct {
	sessions   session.Factory
	registry   *session.Registry
	managers   tx.Factory
	sharedMgr  tx.Manager
	sharedSess session.Session
	logger     *slog.Logger
}

// Option configures a Factory.
type Option func(*Factory)

// WithSessionFactory sets an explicit session factory. Takes precedence
// over a registry lookup.
func WithSessionFactory(f session.Factory) Option {
	return func(sf *Factory) { sf.sessions = f }
}

// WithRegistry sets the ambient registry the session factory is resolved
// from when none is supplied explicitly. Resolution happens at first
// Acquire, not at construction, so workers can be built before the database
// is wired up.
func WithRegistry(r *session.Registry) Option {
	return func(sf *Factory) { sf.registry = r }
}

// WithManagerFactory sets the transaction manager factory used in
// per-invocation mode. When unset, a session implementing
// tx.ManagerProvider supplies its own manager, and an in-memory manager
// is the final fallback.
func WithManagerFactory(f tx.Factory) Option {
	return func(sf *Factory) { sf.managers = f }
}

// WithSharedManager switches the factory to shared/injected mode: every
// acquired scope is bound to the given manager instead of a fresh one.
func WithSharedManager(m tx.Manager) Option {
	return func(sf *Factory) { sf.sharedMgr = m }
}

// WithSharedSession injects a pre-existing session reused across
// invocations. Scopes over a shared session never close it.
func WithSharedSession(s session.Session) Option {
	return func(sf *Factory) { sf.sharedSess = s }
}

// WithLogger sets the structured logger for the factory and its scopes.
func WithLogger(l *slog.Logger) Option {
	return func(sf *Factory) { sf.logger = l }
}

// NewFactory creates a scope Factory.
func NewFactory(opts ...Option) *Factory {
	sf := &Factory{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(sf)
	}
	return sf
}

// Acquire creates a Scope for one invocation. It fails with
// txwork.ErrNoSessionFactory when no session factory is resolvable, and
// wraps session creation failures without opening a scope.
func (sf *Factory) Acquire(ctx context.Context) (*Scope, error) {
	s := &Scope{
		id:     id.NewSessionID(),
		logger: sf.logger,
	}

	if sf.sharedSess != nil {
		s.sess = sf.sharedSess
		s.ownsSession = false
		s.open = true
		s.mgr = sf.managerFor(s.sess)
		sf.logger.Debug("acquired scope over shared session",
			slog.String("session_id", s.id.String()),
		)
		return s, nil
	}

	factory, err := sf.resolveSessionFactory()
	if err != nil {
		return nil, err
	}

	sess, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("txwork/scope: create session: %w", err)
	}

	s.sess = sess
	s.ownsSession = true
	s.open = true
	s.mgr = sf.managerFor(sess)

	sf.logger.Debug("acquired scope",
		slog.String("session_id", s.id.String()),
	)
	return s, nil
}

// managerFor picks the transaction manager for a scope: the shared
// manager, then the configured factory, then the session's own manager,
// then an in-memory one.
func (sf *Factory) managerFor(sess session.Session) tx.Manager {
	if sf.sharedMgr != nil {
		return sf.sharedMgr
	}
	if sf.managers != nil {
		return sf.managers()
	}
	if p, ok := sess.(tx.ManagerProvider); ok {
		return p.TxManager()
	}
	return tx.NewMem()
}

// resolveSessionFactory returns the explicit factory, falls back to the
// ambient registry, and reports a configuration error when neither yields
// one.
func (sf *Factory) resolveSessionFactory() (session.Factory, error) {
	if sf.sessions != nil {
		return sf.sessions, nil
	}
	if sf.registry != nil {
		if f, ok := sf.registry.Factory(); ok {
			return f, nil
		}
	}
	return nil, txwork.ErrNoSessionFactory
}

// Shared reports whether the factory is in shared/injected mode.
func (sf *Factory) Shared() bool { return sf.sharedMgr != nil }
