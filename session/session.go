// Package session defines the database session contract consumed by
// resource scopes, and an ambient registry that worker construction can
// resolve a session factory from when none is supplied explicitly.
package session

import "context"

// Session is an opaque database session handle. While a resource scope is
// open it owns the session exclusively; Close returns it to whatever pool
// or driver produced it.
type Session interface {
	Close() error
}

// Factory produces a fresh Session for one activity invocation.
type Factory func(ctx context.Context) (Session, error)

// Func adapts a plain function to a Session with a no-op or custom close.
type Func func() error

// Close invokes the underlying function.
func (f Func) Close() error {
	if f == nil {
		return nil
	}
	return f()
}
