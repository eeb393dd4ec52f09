package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/activity"
	"github.com/veldtlabs/txwork/backoff"
	"github.com/veldtlabs/txwork/client/local"
	"github.com/veldtlabs/txwork/scope"
	"github.com/veldtlabs/txwork/session"
	"github.com/veldtlabs/txwork/tx"
	"github.com/veldtlabs/txwork/worker"
)

// fakeSession counts closes.
type fakeSession struct {
	mu     sync.Mutex
	closes int
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// sessionCounter builds fresh sessions and counts factory calls.
type sessionCounter struct {
	mu    sync.Mutex
	calls int
}

func (c *sessionCounter) factory(_ context.Context) (session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &fakeSession{}, nil
}

func (c *sessionCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// mgrRecorder is a tx.Factory that remembers every manager it built.
type mgrRecorder struct {
	mu   sync.Mutex
	mgrs []*tx.Mem
}

func (r *mgrRecorder) factory() tx.Manager {
	m := tx.NewMem()
	r.mu.Lock()
	r.mgrs = append(r.mgrs, m)
	r.mu.Unlock()
	return m
}

func (r *mgrRecorder) all() []*tx.Mem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*tx.Mem(nil), r.mgrs...)
}

// startWorker builds and starts a worker against the client, stopping it
// at test cleanup.
func startWorker(t *testing.T, c *local.Client, opts ...worker.Option) *worker.Worker {
	t.Helper()

	opts = append([]worker.Option{
		worker.WithPollInterval(5 * time.Millisecond),
	}, opts...)
	w, err := worker.New(c, opts...)
	if err != nil {
		t.Fatalf("worker.New() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return w
}

func getResult(t *testing.T, fut *local.Future) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := fut.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return res
}

func getError(t *testing.T, fut *local.Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := fut.Get(ctx)
	if err == nil {
		t.Fatal("Get() succeeded, want error")
	}
	return err
}

func TestBoundActivityCommits(t *testing.T) {
	c := local.New()
	defer c.Close()
	sessions := &sessionCounter{}
	mgrs := &mgrRecorder{}

	greet := activity.NewBound("greet", func(_ context.Context, sc *scope.Scope, name string) (string, error) {
		if sc == nil || !sc.IsOpen() {
			return "", errors.New("no open scope inside bound activity")
		}
		if sc.Tx().Status() != tx.StatusActive {
			return "", errors.New("transaction not active inside bound activity")
		}
		return "hello " + name, nil
	})

	startWorker(t, c,
		worker.WithActivities(greet),
		worker.WithSessionFactory(sessions.factory),
		worker.WithManagerFactory(mgrs.factory),
	)

	fut, err := c.Submit(context.Background(), "greet", "default", []byte(`"ada"`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := string(getResult(t, fut)); got != `"hello ada"` {
		t.Errorf("result = %s, want %q", got, `"hello ada"`)
	}

	all := mgrs.all()
	if len(all) != 1 {
		t.Fatalf("managers created = %d, want 1", len(all))
	}
	if got := all[0].Status(); got != tx.StatusCommitted {
		t.Errorf("tx status = %v, want %v", got, tx.StatusCommitted)
	}
	if sessions.count() != 1 {
		t.Errorf("sessions created = %d, want 1", sessions.count())
	}
}

func TestPlainActivityRunsInWindow(t *testing.T) {
	c := local.New()
	defer c.Close()
	sessions := &sessionCounter{}
	mgrs := &mgrRecorder{}

	double := activity.New("double", func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	})

	startWorker(t, c,
		worker.WithActivities(double),
		worker.WithSessionFactory(sessions.factory),
		worker.WithManagerFactory(mgrs.factory),
	)

	fut, err := c.Submit(context.Background(), "double", "default", []byte(`21`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := string(getResult(t, fut)); got != "42" {
		t.Errorf("result = %s, want 42", got)
	}

	// A plain activity never sees the scope, but the invocation still
	// runs inside one and commits on success.
	if sessions.count() != 1 {
		t.Errorf("sessions created = %d, want 1", sessions.count())
	}
	all := mgrs.all()
	if len(all) != 1 {
		t.Fatalf("managers created = %d, want 1", len(all))
	}
	if got := all[0].Status(); got != tx.StatusCommitted {
		t.Errorf("tx status = %v, want %v", got, tx.StatusCommitted)
	}
}

func TestFailureAbortsAndSurfacesOriginalError(t *testing.T) {
	c := local.New(local.WithMaxAttempts(1))
	defer c.Close()
	sessions := &sessionCounter{}
	mgrs := &mgrRecorder{}

	boom := errors.New("ledger out of balance")
	fail := activity.NewBound("post-entry", func(_ context.Context, _ *scope.Scope, _ struct{}) (struct{}, error) {
		return struct{}{}, boom
	})

	startWorker(t, c,
		worker.WithActivities(fail),
		worker.WithSessionFactory(sessions.factory),
		worker.WithManagerFactory(mgrs.factory),
	)

	fut, err := c.Submit(context.Background(), "post-entry", "default", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := getError(t, fut); !errors.Is(err, boom) {
		t.Errorf("surfaced error = %v, want the activity's own error", err)
	}

	all := mgrs.all()
	if len(all) != 1 {
		t.Fatalf("managers created = %d, want 1", len(all))
	}
	if got := all[0].Status(); got != tx.StatusAborted {
		t.Errorf("tx status = %v, want %v", got, tx.StatusAborted)
	}
}

func TestDoomedTransactionSkipsCommit(t *testing.T) {
	c := local.New()
	defer c.Close()
	mgrs := &mgrRecorder{}
	sessions := &sessionCounter{}

	veto := activity.NewBound("dry-run", func(_ context.Context, sc *scope.Scope, in string) (string, error) {
		sc.Tx().(tx.Doomer).Doom()
		return "previewed " + in, nil
	})

	startWorker(t, c,
		worker.WithActivities(veto),
		worker.WithSessionFactory(sessions.factory),
		worker.WithManagerFactory(mgrs.factory),
	)

	fut, err := c.Submit(context.Background(), "dry-run", "default", []byte(`"migration"`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	// The activity still succeeds; only persistence is skipped.
	if got := string(getResult(t, fut)); got != `"previewed migration"` {
		t.Errorf("result = %s, want %q", got, `"previewed migration"`)
	}

	all := mgrs.all()
	if len(all) != 1 {
		t.Fatalf("managers created = %d, want 1", len(all))
	}
	_, commits, aborts := all[0].Counts()
	if commits != 0 {
		t.Errorf("doomed transaction committed %d times, want 0", commits)
	}
	if aborts != 1 {
		t.Errorf("doomed transaction aborted %d times, want 1", aborts)
	}
}

func TestUnknownActivityFails(t *testing.T) {
	c := local.New(local.WithMaxAttempts(1))
	defer c.Close()

	startWorker(t, c)

	fut, err := c.Submit(context.Background(), "nope", "default", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := getError(t, fut); !errors.Is(err, txwork.ErrActivityNotFound) {
		t.Errorf("error = %v, want ErrActivityNotFound", err)
	}
}

func TestMissingSessionFactoryFailsBoundActivity(t *testing.T) {
	c := local.New(local.WithMaxAttempts(1))
	defer c.Close()

	bound := activity.NewBound("needs-db", func(_ context.Context, _ *scope.Scope, _ struct{}) (struct{}, error) {
		return struct{}{}, nil
	})

	startWorker(t, c, worker.WithActivities(bound))

	fut, err := c.Submit(context.Background(), "needs-db", "default", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := getError(t, fut); !errors.Is(err, txwork.ErrNoSessionFactory) {
		t.Errorf("error = %v, want ErrNoSessionFactory", err)
	}
}

func TestActivityTimeoutAborts(t *testing.T) {
	c := local.New(local.WithMaxAttempts(1))
	defer c.Close()
	mgrs := &mgrRecorder{}

	stuck := activity.NewBound("stuck", func(ctx context.Context, _ *scope.Scope, _ struct{}) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	}, activity.WithTimeout(20*time.Millisecond))

	startWorker(t, c,
		worker.WithActivities(stuck),
		worker.WithSessionFactory((&sessionCounter{}).factory),
		worker.WithManagerFactory(mgrs.factory),
	)

	fut, err := c.Submit(context.Background(), "stuck", "default", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := getError(t, fut); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}

	all := mgrs.all()
	if len(all) != 1 {
		t.Fatalf("managers created = %d, want 1", len(all))
	}
	if got := all[0].Status(); got != tx.StatusAborted {
		t.Errorf("tx status = %v, want %v", got, tx.StatusAborted)
	}
}

func TestConcurrentInvocationsGetIsolatedScopes(t *testing.T) {
	const n = 4

	c := local.New()
	defer c.Close()
	sessions := &sessionCounter{}
	mgrs := &mgrRecorder{}

	// Every invocation parks until all n run at once, proving the
	// scopes are live concurrently rather than serialized.
	barrier := make(chan struct{})
	arrived := make(chan string, n)

	hold := activity.NewBound("hold", func(ctx context.Context, sc *scope.Scope, _ struct{}) (struct{}, error) {
		arrived <- sc.ID().String()
		select {
		case <-barrier:
			return struct{}{}, nil
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		}
	})

	startWorker(t, c,
		worker.WithActivities(hold),
		worker.WithSessionFactory(sessions.factory),
		worker.WithManagerFactory(mgrs.factory),
		worker.WithConcurrency(n),
	)

	futs := make([]*local.Future, n)
	for i := range futs {
		fut, err := c.Submit(context.Background(), "hold", "default", nil)
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		futs[i] = fut
	}

	seen := make(map[string]bool, n)
	deadline := time.After(5 * time.Second)
	for len(seen) < n {
		select {
		case scopeID := <-arrived:
			seen[scopeID] = true
		case <-deadline:
			t.Fatalf("only %d of %d invocations running concurrently", len(seen), n)
		}
	}
	close(barrier)

	for _, fut := range futs {
		getResult(t, fut)
	}
	if len(seen) != n {
		t.Errorf("distinct scope ids = %d, want %d", len(seen), n)
	}
	for i, m := range mgrs.all() {
		if got := m.Status(); got != tx.StatusCommitted {
			t.Errorf("manager %d status = %v, want %v", i, got, tx.StatusCommitted)
		}
	}
}

func TestGracefulStopDrainsInflight(t *testing.T) {
	c := local.New()
	defer c.Close()

	release := make(chan struct{})
	slow := activity.New("slow", func(ctx context.Context, _ struct{}) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	w, err := worker.New(c,
		worker.WithActivities(slow),
		worker.WithSessionFactory((&sessionCounter{}).factory),
		worker.WithPollInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("worker.New() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fut, err := c.Submit(context.Background(), "slow", "default", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Wait until the task is claimed, then stop while it is running.
	waitStart := time.Now()
	for c.Pending("default") != 0 {
		if time.Since(waitStart) > 5*time.Second {
			t.Fatal("task never claimed")
		}
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- w.Stop(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := string(getResult(t, fut)); got != `"done"` {
		t.Errorf("result = %s, want %q", got, `"done"`)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := worker.New(nil); !errors.Is(err, txwork.ErrNoClient) {
		t.Errorf("New(nil) error = %v, want ErrNoClient", err)
	}

	c := local.New()
	defer c.Close()
	a := activity.New("dup", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	b := activity.New("dup", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	if _, err := worker.New(c, worker.WithActivities(a, b)); !errors.Is(err, txwork.ErrDuplicateActivity) {
		t.Errorf("duplicate registration error = %v, want ErrDuplicateActivity", err)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	c := local.New(
		local.WithMaxAttempts(3),
		local.WithRetryStrategy(backoff.NewConstant(5*time.Millisecond)),
	)
	defer c.Close()

	var mu sync.Mutex
	calls := 0
	flaky := activity.New("flaky", func(_ context.Context, _ struct{}) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return calls, nil
	})

	startWorker(t, c,
		worker.WithActivities(flaky),
		worker.WithSessionFactory((&sessionCounter{}).factory),
	)

	fut, err := c.Submit(context.Background(), "flaky", "default", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := string(getResult(t, fut)); got != "3" {
		t.Errorf("result = %s, want 3", got)
	}
}
