package guard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/guard"
	"github.com/veldtlabs/txwork/scope"
	"github.com/veldtlabs/txwork/session"
	"github.com/veldtlabs/txwork/tx"
)

type fakeSession struct {
	closes int
}

func (s *fakeSession) Close() error {
	s.closes++
	return nil
}

// newGuard wires a guard over a per-invocation factory whose manager is the
// given Mem (so tests can inspect transitions), with sessions tracked by sess.
func newGuard(sess *fakeSession, mgr *tx.Mem) *guard.Guard {
	f := scope.NewFactory(
		scope.WithSessionFactory(func(_ context.Context) (session.Session, error) {
			return sess, nil
		}),
		scope.WithManagerFactory(func() tx.Manager { return mgr }),
	)
	return guard.New(f)
}

func TestRun_CommitOnSuccess(t *testing.T) {
	sess := &fakeSession{}
	mgr := tx.NewMem()
	g := newGuard(sess, mgr)

	var seen *scope.Scope
	result, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, sc *scope.Scope) (any, error) {
		seen = sc
		if !sc.IsOpen() {
			t.Error("scope should be open inside the body")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want %q", result, "ok")
	}
	if got := mgr.Status(); got != tx.StatusCommitted {
		t.Errorf("tx status = %v, want %v", got, tx.StatusCommitted)
	}
	if seen.IsOpen() {
		t.Error("scope should be released after the run")
	}
	if sess.closes != 1 {
		t.Errorf("session closed %d times, want 1", sess.closes)
	}
}

func TestRun_AbortOnFailure(t *testing.T) {
	sess := &fakeSession{}
	mgr := tx.NewMem()
	g := newGuard(sess, mgr)

	boom := errors.New("boom")
	_, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, _ *scope.Scope) (any, error) {
		return nil, boom
	})
	if err != boom {
		t.Fatalf("run error = %v, want the original %v", err, boom)
	}
	if got := mgr.Status(); got != tx.StatusAborted {
		t.Errorf("tx status = %v, want %v", got, tx.StatusAborted)
	}
	if sess.closes != 1 {
		t.Errorf("session closed %d times, want 1", sess.closes)
	}
}

func TestRun_AbortFailureDoesNotMaskBodyError(t *testing.T) {
	sess := &fakeSession{}
	mgr := tx.NewMem()
	mgr.AbortErr = errors.New("abort exploded")
	g := newGuard(sess, mgr)

	boom := errors.New("boom")
	_, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, _ *scope.Scope) (any, error) {
		return nil, boom
	})
	if err != boom {
		t.Fatalf("run error = %v, want the original %v (abort failures are logged only)", err, boom)
	}
	if sess.closes != 1 {
		t.Errorf("session closed %d times, want 1", sess.closes)
	}
}

func TestRun_NoSessionFactory(t *testing.T) {
	g := guard.New(scope.NewFactory())

	bodyRan := false
	_, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, _ *scope.Scope) (any, error) {
		bodyRan = true
		return nil, nil
	})
	if !errors.Is(err, txwork.ErrNoSessionFactory) {
		t.Fatalf("run = %v, want ErrNoSessionFactory", err)
	}
	if bodyRan {
		t.Error("body must not run when the scope cannot be acquired")
	}
}

func TestRun_BeginFailure(t *testing.T) {
	sess := &fakeSession{}
	mgr := tx.NewMem()
	beginErr := errors.New("connection refused")
	mgr.BeginErr = beginErr
	g := newGuard(sess, mgr)

	bodyRan := false
	_, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, _ *scope.Scope) (any, error) {
		bodyRan = true
		return nil, nil
	})
	if !errors.Is(err, beginErr) {
		t.Fatalf("run = %v, want %v", err, beginErr)
	}
	if bodyRan {
		t.Error("body must not run when begin fails")
	}
	if sess.closes != 1 {
		t.Errorf("session closed %d times, want 1 (scope released after begin failure)", sess.closes)
	}
}

func TestRun_DoomedSkipIsNotAFailure(t *testing.T) {
	sess := &fakeSession{}
	mgr := tx.NewMem()
	g := newGuard(sess, mgr)

	result, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, sc *scope.Scope) (any, error) {
		// An external supervisor vetoes persistence mid-body.
		sc.Tx().(*tx.Mem).Doom()
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want %q", result, "ok")
	}
	_, commits, aborts := mgr.Counts()
	if commits != 0 {
		t.Errorf("commits = %d, want 0 (doomed commit must be skipped)", commits)
	}
	if aborts != 1 {
		t.Errorf("aborts = %d, want 1 (doomed transaction must be rolled back)", aborts)
	}
	if sess.closes != 1 {
		t.Errorf("session closed %d times, want 1", sess.closes)
	}
}

func TestRun_DoomedErrorSentinelFallback(t *testing.T) {
	// A manager that only reveals doom at commit time via the legacy
	// error-message sentinel.
	sess := &fakeSession{}
	mgr := tx.NewMem()
	mgr.CommitErr = errors.New("transaction doomed, cannot commit")
	g := newGuard(sess, mgr)

	result, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, _ *scope.Scope) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("run = %v, want success on doomed-skip", err)
	}
	if result != 42 {
		t.Errorf("result = %v, want 42", result)
	}
}

func TestRun_CommitFailureSurfacesAfterAbort(t *testing.T) {
	sess := &fakeSession{}
	mgr := tx.NewMem()
	commitErr := errors.New("disk full")
	mgr.CommitErr = commitErr
	g := newGuard(sess, mgr)

	_, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, _ *scope.Scope) (any, error) {
		return "ok", nil
	})
	if err != commitErr {
		t.Fatalf("run = %v, want the original commit error %v", err, commitErr)
	}
	_, _, aborts := mgr.Counts()
	if aborts != 1 {
		t.Errorf("aborts = %d, want 1 (best-effort abort after commit failure)", aborts)
	}
	if sess.closes != 1 {
		t.Errorf("session closed %d times, want 1", sess.closes)
	}
}

func TestRun_CommitFailureIgnoresAbortFailure(t *testing.T) {
	sess := &fakeSession{}
	mgr := tx.NewMem()
	commitErr := errors.New("disk full")
	mgr.CommitErr = commitErr
	mgr.AbortErr = errors.New("abort also failed")
	g := newGuard(sess, mgr)

	_, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, _ *scope.Scope) (any, error) {
		return "ok", nil
	})
	if err != commitErr {
		t.Fatalf("run = %v, want the original commit error %v", err, commitErr)
	}
}

func TestRun_SharedActiveTransactionSkipsBegin(t *testing.T) {
	mgr := tx.NewMem()
	if err := mgr.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}

	sharedSess := &fakeSession{}
	f := scope.NewFactory(
		scope.WithSharedManager(mgr),
		scope.WithSharedSession(sharedSess),
	)
	g := guard.New(f)

	result, err := g.Run(context.Background(), "enrich-user", func(_ context.Context, _ *scope.Scope) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want %q", result, "ok")
	}

	begins, commits, _ := mgr.Counts()
	if begins != 1 {
		t.Errorf("begins = %d, want 1 (guard must not begin over an active transaction)", begins)
	}
	if commits != 1 {
		t.Errorf("commits = %d, want 1", commits)
	}
	if sharedSess.closes != 0 {
		t.Errorf("shared session closed %d times, want 0", sharedSess.closes)
	}
}

func TestRun_CancelledBodyStillAbortsAndReleases(t *testing.T) {
	sess := &fakeSession{}
	mgr := tx.NewMem()
	g := newGuard(sess, mgr)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := g.Run(ctx, "enrich-user", func(ctx context.Context, _ *scope.Scope) (any, error) {
		cancel()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want context.Canceled", err)
	}
	if got := mgr.Status(); got != tx.StatusAborted {
		t.Errorf("tx status = %v, want %v (abort must run during unwind)", got, tx.StatusAborted)
	}
	if sess.closes != 1 {
		t.Errorf("session closed %d times, want 1 (release must run during unwind)", sess.closes)
	}
}

func TestRun_DistinctSessionsForConcurrentRuns(t *testing.T) {
	f := scope.NewFactory(
		scope.WithSessionFactory(func(_ context.Context) (session.Session, error) {
			return &fakeSession{}, nil
		}),
		scope.WithManagerFactory(tx.NewMemFactory()),
	)
	g := guard.New(f)

	gate := make(chan struct{})
	seen := make(chan session.Session, 2)

	for range 2 {
		go func() {
			_, _ = g.Run(context.Background(), "enrich-user", func(_ context.Context, sc *scope.Scope) (any, error) {
				seen <- sc.Session()
				<-gate
				return nil, nil
			})
		}()
	}

	a := <-seen
	b := <-seen
	close(gate)

	if a == b {
		t.Fatal("concurrent invocations must get distinct session identities")
	}
}
