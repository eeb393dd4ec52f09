// Package scope owns the per-invocation resource bundle: one database
// session bound to one transaction manager for the lifetime of a single
// activity invocation.
//
// A Scope is created by a Factory at the start of an invocation, mutated
// only by the transaction guard that owns it, and released in a guaranteed
// cleanup step at the end of the invocation. Once closed a scope cannot be
// reopened; a new one must be acquired.
package scope

import (
	"log/slog"
	"sync"

	"github.com/veldtlabs/txwork/id"
	"github.com/veldtlabs/txwork/session"
	"github.com/veldtlabs/txwork/tx"
)

// Scope bundles a database session and a transaction manager for one
// activity invocation.
type Scope struct {
	id     id.SessionID
	mgr    tx.Manager
	logger *slog.Logger

	mu          sync.Mutex
	sess        session.Session
	open        bool
	ownsSession bool
}

// ID returns the scope's session identifier, used in diagnostics.
func (s *Scope) ID() id.SessionID { return s.id }

// Session returns the database session. Returns nil after the scope has
// been closed; the session is non-nil exactly while the scope is open.
func (s *Scope) Session() session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// Tx returns the transaction manager bound to this scope.
func (s *Scope) Tx() tx.Manager { return s.mgr }

// IsOpen reports whether the scope still holds its session.
func (s *Scope) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close releases the scope's session. It is idempotent: closing an
// already-closed scope is a no-op. Errors from the underlying session close
// are logged and never propagated — by the time the scope is released the
// invocation's outcome has already been decided by commit or abort, and a
// cleanup failure must not change it.
//
// A scope that does not own its session (shared/injected mode) only clears
// its open flag and leaves the session untouched.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return
	}
	s.open = false

	sess := s.sess
	s.sess = nil

	if sess == nil || !s.ownsSession {
		return
	}
	if err := sess.Close(); err != nil {
		s.logger.Warn("error closing scope session",
			slog.String("session_id", s.id.String()),
			slog.String("error", err.Error()),
		)
	}
}
