// Package activity defines typed activity registrations. An activity is a
// single externally-scheduled unit of work; it is registered as either a
// plain function or a bound one that receives the invocation's resource
// scope as an explicit first argument.
//
// Whether a definition is bound is decided once at construction and carried
// as a tagged kind — dispatch never probes the function for markers.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/codec"
	"github.com/veldtlabs/txwork/scope"
)

// Kind classifies a registered activity.
type Kind int

const (
	// KindPlain activities receive only their decoded input.
	KindPlain Kind = iota
	// KindBound activities additionally receive the invocation's resource
	// scope as an explicit argument, resolved freshly per call.
	KindBound
)

// String returns the kind name for diagnostics.
func (k Kind) String() string {
	if k == KindBound {
		return "bound"
	}
	return "plain"
}

// HandlerFunc is a type-erased activity handler. The typed New/NewBound
// constructors convert generic functions to HandlerFuncs at registration
// time by closing over codec decode/encode and the typed function.
//
// sc is the invocation's resource scope; it is nil for invocations outside
// a transactional window and ignored by plain activities.
type HandlerFunc func(ctx context.Context, sc *scope.Scope, payload []byte) ([]byte, error)

// Definition is a registered activity: a name, a kind decided at
// construction, and the type-erased handler.
type Definition struct {
	name    string
	kind    Kind
	opts    Options
	handler HandlerFunc
}

// Name returns the unique activity name.
func (d *Definition) Name() string { return d.name }

// Kind returns whether the activity is plain or bound.
func (d *Definition) Kind() Kind { return d.kind }

// Timeout returns the per-invocation execution deadline. Zero means none.
func (d *Definition) Timeout() time.Duration { return d.opts.Timeout }

// Invoke runs the activity handler.
func (d *Definition) Invoke(ctx context.Context, sc *scope.Scope, payload []byte) ([]byte, error) {
	return d.handler(ctx, sc, payload)
}

// New creates a plain activity definition. The typed function receives the
// decoded input only; the invocation still runs inside a transactional
// window, but the scope is never handed to the function.
func New[T, R any](name string, fn func(ctx context.Context, in T) (R, error), opts ...Option) *Definition {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Definition{
		name: name,
		kind: KindPlain,
		opts: o,
		handler: func(ctx context.Context, _ *scope.Scope, payload []byte) ([]byte, error) {
			in, err := decode[T](o.Codec, name, payload)
			if err != nil {
				return nil, err
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			return encode(o.Codec, name, out)
		},
	}
}

// NewBound creates a bound activity definition. The typed function receives
// the invocation's resource scope as an explicit argument — never via
// ambient or global state — so concurrent invocations on shared workers
// cannot cross-contaminate. The scope is resolved freshly per call; a bound
// activity invoked without one fails with txwork.ErrNoResource.
func NewBound[T, R any](name string, fn func(ctx context.Context, sc *scope.Scope, in T) (R, error), opts ...Option) *Definition {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Definition{
		name: name,
		kind: KindBound,
		opts: o,
		handler: func(ctx context.Context, sc *scope.Scope, payload []byte) ([]byte, error) {
			if sc == nil {
				return nil, txwork.ErrNoResource
			}
			in, err := decode[T](o.Codec, name, payload)
			if err != nil {
				return nil, err
			}
			out, err := fn(ctx, sc, in)
			if err != nil {
				return nil, err
			}
			return encode(o.Codec, name, out)
		},
	}
}

func decode[T any](c codec.Codec, name string, payload []byte) (T, error) {
	var in T
	if len(payload) > 0 {
		if err := c.Unmarshal(payload, &in); err != nil {
			return in, fmt.Errorf("txwork/activity: unmarshal input for %q: %w", name, err)
		}
	}
	return in, nil
}

func encode(c codec.Codec, name string, out any) ([]byte, error) {
	data, err := c.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("txwork/activity: marshal result for %q: %w", name, err)
	}
	return data, nil
}
