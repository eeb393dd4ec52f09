// Package tx defines the transaction manager contract that resource scopes
// are bound to, the transaction status model, and an in-memory manager for
// tests and harnesses that need to observe or veto commits.
//
// The commit/abort mechanics themselves belong to the concrete manager
// (see the driver subpackages); this package only fixes the lifecycle
// vocabulary shared by the guard and the scope factory.
package tx

import (
	"context"
	"strings"
)

// Status is the lifecycle state of a managed transaction.
type Status string

const (
	// StatusNone means no transaction has been begun.
	StatusNone Status = "NoTransaction"
	// StatusActive means a transaction is in progress.
	StatusActive Status = "Active"
	// StatusDoomed means the transaction is marked for mandatory rollback
	// by an external supervisor. Commit is skipped, never attempted.
	StatusDoomed Status = "Doomed"
	// StatusCommitted means the transaction committed durably.
	StatusCommitted Status = "Committed"
	// StatusAborted means the transaction was rolled back.
	StatusAborted Status = "Aborted"
)

// Finished reports whether the status is terminal within an invocation.
// No transitions leave Committed or Aborted.
func (s Status) Finished() bool {
	return s == StatusCommitted || s == StatusAborted
}

// Manager is the transaction handle bound to a resource scope for the
// lifetime of one activity invocation.
//
// From Active or Doomed exactly one of Commit or Abort is attempted per
// invocation; the guard enforces that protocol, implementations only need
// to report their status truthfully.
type Manager interface {
	// Begin starts a new transaction. Implementations should fail when a
	// transaction is already active.
	Begin(ctx context.Context) error

	// Commit durably commits the active transaction.
	Commit(ctx context.Context) error

	// Abort rolls back the active transaction.
	Abort(ctx context.Context) error

	// Status returns the current transaction status.
	Status() Status
}

// Doomer is implemented by managers that support marking an active
// transaction for mandatory rollback. Test harnesses use this to veto
// persistence without failing the activity under test.
type Doomer interface {
	Doom()
}

// Factory produces a fresh Manager per invocation. Used by the scope
// factory in per-invocation mode; in shared mode a single injected
// Manager is reused instead.
type Factory func() Manager

// ManagerProvider is implemented by sessions that carry their own
// transaction manager, typically driver sessions bound to a database
// connection. The scope factory prefers the session's manager over the
// in-memory default.
type ManagerProvider interface {
	TxManager() Manager
}

// IsDoomedError reports whether err looks like a doomed-transaction
// rejection surfaced at commit time. This is a legacy fallback for
// managers that do not expose StatusDoomed before commit; the guard
// consults Status first.
func IsDoomedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "doomed")
}
