package tx

import (
	"context"
	"sync"

	"github.com/veldtlabs/txwork"
)

// Mem is an in-memory Manager. It tracks status transitions without any
// backing store. Intended for unit tests and for shared/injected mode where
// a harness needs to doom transactions or inspect their final state.
//
// Safe for concurrent use, though in shared mode the caller is expected to
// serialize invocations that use the same manager.
type Mem struct {
	mu     sync.Mutex
	status Status

	// Hooks let tests inject failures at each transition point.
	BeginErr  error
	CommitErr error
	AbortErr  error

	begins  int
	commits int
	aborts  int
}

// NewMem returns a Mem manager with no transaction in progress.
func NewMem() *Mem {
	return &Mem{status: StatusNone}
}

// NewMemFactory returns a Factory producing a fresh Mem per invocation.
func NewMemFactory() Factory {
	return func() Manager { return NewMem() }
}

// Begin starts a new in-memory transaction.
func (m *Mem) Begin(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusActive || m.status == StatusDoomed {
		return txwork.ErrAlreadyActive
	}
	if m.BeginErr != nil {
		return m.BeginErr
	}
	m.begins++
	m.status = StatusActive
	return nil
}

// Commit marks the transaction committed. Committing a doomed transaction
// fails; the guard is expected to skip commit via Status before calling.
func (m *Mem) Commit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case StatusNone:
		return txwork.ErrNoTransaction
	case StatusDoomed:
		return txwork.ErrTxDoomed
	case StatusCommitted, StatusAborted:
		return txwork.ErrTxFinished
	}
	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.commits++
	m.status = StatusCommitted
	return nil
}

// Abort rolls the transaction back. Aborting from Doomed is allowed.
func (m *Mem) Abort(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case StatusNone:
		return txwork.ErrNoTransaction
	case StatusCommitted, StatusAborted:
		return txwork.ErrTxFinished
	}
	if m.AbortErr != nil {
		return m.AbortErr
	}
	m.aborts++
	m.status = StatusAborted
	return nil
}

// Status returns the current transaction status.
func (m *Mem) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Doom marks an active transaction for mandatory rollback.
// Dooming a transaction that is not active is a no-op.
func (m *Mem) Doom() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusActive {
		m.status = StatusDoomed
	}
}

// Counts returns how many begins, commits, and aborts have succeeded.
func (m *Mem) Counts() (begins, commits, aborts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begins, m.commits, m.aborts
}
