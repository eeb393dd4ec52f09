// Package worker ties the pieces together: a Worker polls a scheduler
// client for activity tasks, runs each through the interception chain
// with transaction management outermost, and reports exactly one outcome
// per delivery back to the scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/activity"
	"github.com/veldtlabs/txwork/client"
	"github.com/veldtlabs/txwork/guard"
	"github.com/veldtlabs/txwork/id"
	"github.com/veldtlabs/txwork/interceptor"
	"github.com/veldtlabs/txwork/scope"
	"github.com/veldtlabs/txwork/session"
	"github.com/veldtlabs/txwork/tx"
)

// Worker polls one task queue with a pool of goroutines and executes
// registered activities. Construct with New, then Run (blocking) or
// Start/Stop.
type Worker struct {
	client    client.Client
	registry  *activity.Registry
	scopes    *scope.Factory
	chain     interceptor.Interceptor
	workflows []client.Workflow

	taskQueue       string
	concurrency     int
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	workerID        id.WorkerID
	logger          *slog.Logger

	stopCh   chan struct{}
	baseCtx  context.Context
	baseStop context.CancelFunc
	eg       *errgroup.Group
	mu       sync.Mutex
	running  bool

	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

type options struct {
	taskQueue       string
	concurrency     int
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	defs      []*activity.Definition
	workflows []client.Workflow

	sessionFactory session.Factory
	sessRegistry   *session.Registry
	managerFactory tx.Factory
	sharedManager  tx.Manager
	sharedSession  session.Session

	interceptors []interceptor.Interceptor
}

// Option configures a Worker.
type Option func(*options)

// WithTaskQueue sets the queue the worker polls. Defaults to "default".
func WithTaskQueue(q string) Option {
	return func(o *options) {
		if q != "" {
			o.taskQueue = q
		}
	}
}

// WithActivities registers activity definitions with the worker.
func WithActivities(defs ...*activity.Definition) Option {
	return func(o *options) { o.defs = append(o.defs, defs...) }
}

// WithWorkflows declares workflow definitions the worker announces to
// the scheduler at startup, when the client supports registration.
func WithWorkflows(wfs ...client.Workflow) Option {
	return func(o *options) { o.workflows = append(o.workflows, wfs...) }
}

// WithSessionFactory sets the session factory bound activities run
// against. Takes precedence over a registry lookup.
func WithSessionFactory(f session.Factory) Option {
	return func(o *options) { o.sessionFactory = f }
}

// WithRegistry sets the ambient registry the session factory is
// resolved from when none is supplied explicitly.
func WithRegistry(r *session.Registry) Option {
	return func(o *options) { o.sessRegistry = r }
}

// WithManagerFactory sets the transaction manager factory used in
// per-invocation mode.
func WithManagerFactory(f tx.Factory) Option {
	return func(o *options) { o.managerFactory = f }
}

// WithSharedManager switches the worker to shared/injected transaction
// mode: every invocation reuses the given manager. Intended for test
// harnesses; combine with WithConcurrency(1) unless the caller
// serializes access.
func WithSharedManager(m tx.Manager) Option {
	return func(o *options) { o.sharedManager = m }
}

// WithSharedSession injects a pre-existing session reused across
// invocations. The worker never closes it.
func WithSharedSession(s session.Session) Option {
	return func(o *options) { o.sharedSession = s }
}

// WithInterceptors appends interceptors to the chain. They run inside
// the transactional interceptor, in the order given.
func WithInterceptors(itcs ...interceptor.Interceptor) Option {
	return func(o *options) { o.interceptors = append(o.interceptors, itcs...) }
}

// WithConcurrency sets the number of polling goroutines.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithPollInterval sets the pause between polls when the queue is empty
// or erroring.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight
// invocations before cancelling them.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConfig applies a txwork.Config, typically loaded from the
// environment.
func WithConfig(cfg txwork.Config) Option {
	return func(o *options) {
		WithTaskQueue(cfg.TaskQueue)(o)
		WithConcurrency(cfg.Concurrency)(o)
		WithPollInterval(cfg.PollInterval)(o)
		WithShutdownTimeout(cfg.ShutdownTimeout)(o)
	}
}

// New builds a Worker around a scheduler client. Activity registration
// failures (duplicates) surface here, not at execution time.
func New(c client.Client, opts ...Option) (*Worker, error) {
	if c == nil {
		return nil, txwork.ErrNoClient
	}

	cfg := txwork.DefaultConfig()
	o := &options{
		taskQueue:       cfg.TaskQueue,
		concurrency:     cfg.Concurrency,
		pollInterval:    cfg.PollInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	registry := activity.NewRegistry()
	for _, def := range o.defs {
		if err := registry.Register(def); err != nil {
			return nil, fmt.Errorf("txwork/worker: register %s: %w", def.Name(), err)
		}
	}

	scopeOpts := []scope.Option{scope.WithLogger(o.logger)}
	if o.sessionFactory != nil {
		scopeOpts = append(scopeOpts, scope.WithSessionFactory(o.sessionFactory))
	}
	if o.sessRegistry != nil {
		scopeOpts = append(scopeOpts, scope.WithRegistry(o.sessRegistry))
	}
	if o.managerFactory != nil {
		scopeOpts = append(scopeOpts, scope.WithManagerFactory(o.managerFactory))
	}
	if o.sharedManager != nil {
		scopeOpts = append(scopeOpts, scope.WithSharedManager(o.sharedManager))
	}
	if o.sharedSession != nil {
		scopeOpts = append(scopeOpts, scope.WithSharedSession(o.sharedSession))
	}
	scopes := scope.NewFactory(scopeOpts...)
	g := guard.New(scopes, guard.WithLogger(o.logger))

	// Transaction management sits outermost so every interceptor below
	// it runs inside the transactional window. Deadline enforcement is
	// next, a pass-through for activities without a timeout.
	chain := append([]interceptor.Interceptor{
		interceptor.Transactional(g),
		interceptor.Timeout(o.logger),
	}, o.interceptors...)

	w := &Worker{
		client:          c,
		registry:        registry,
		scopes:          scopes,
		chain:           interceptor.Chain(chain...),
		workflows:       o.workflows,
		taskQueue:       o.taskQueue,
		concurrency:     o.concurrency,
		pollInterval:    o.pollInterval,
		shutdownTimeout: o.shutdownTimeout,
		workerID:        id.NewWorkerID(),
		logger:          o.logger,
		stopCh:          make(chan struct{}),
		active:          make(map[string]context.CancelFunc),
	}
	return w, nil
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() id.WorkerID { return w.workerID }

// Activities returns the names of registered activities.
func (w *Worker) Activities() []string { return w.registry.Names() }

// Run starts the worker and blocks until the context is cancelled, then
// shuts down within the configured shutdown timeout.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()
	return w.Stop(stopCtx)
}

// Start registers workflows and launches the polling goroutines. It
// returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if reg, ok := w.client.(client.WorkflowRegistrar); ok {
		for _, wf := range w.workflows {
			if err := reg.RegisterWorkflow(ctx, wf); err != nil {
				return fmt.Errorf("txwork/worker: register workflow %s: %w", wf.Name, err)
			}
		}
	}

	w.running = true
	w.baseCtx, w.baseStop = context.WithCancel(context.Background())
	w.eg = &errgroup.Group{}

	w.logger.Info("worker starting",
		slog.String("worker_id", w.workerID.String()),
		slog.String("task_queue", w.taskQueue),
		slog.Int("concurrency", w.concurrency),
		slog.Any("activities", w.registry.Names()),
	)

	for range w.concurrency {
		w.eg.Go(w.pollLoop)
	}
	return nil
}

// Stop signals the pollers to stop and waits for in-flight invocations.
// If the context expires first, active invocations are cancelled.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopping", slog.String("worker_id", w.workerID.String()))

	close(w.stopCh)
	w.baseStop()

	done := make(chan error, 1)
	go func() { done <- w.eg.Wait() }()

	select {
	case err := <-done:
		w.logger.Info("worker stopped gracefully")
		return err
	case <-ctx.Done():
		w.logger.Warn("worker shutdown timed out, cancelling active invocations")
		w.cancelActive()
		return <-done
	}
}

// pollLoop is run by each polling goroutine. Poll errors are logged and
// retried with the poll interval, never fatal.
func (w *Worker) pollLoop() error {
	for {
		select {
		case <-w.stopCh:
			return nil
		default:
		}

		task, err := w.client.PollActivityTask(w.baseCtx, w.taskQueue)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, txwork.ErrClientClosed) {
				return nil
			}
			w.logger.Error("poll error",
				slog.String("task_queue", w.taskQueue),
				slog.String("error", err.Error()),
			)
			w.sleep()
			continue
		}

		w.execute(task)
	}
}

func (w *Worker) sleep() {
	select {
	case <-time.After(w.pollInterval):
	case <-w.stopCh:
	}
}

func (w *Worker) trackTask(taskID string, cancel context.CancelFunc) {
	w.activeMu.Lock()
	w.active[taskID] = cancel
	w.activeMu.Unlock()
}

func (w *Worker) untrackTask(taskID string) {
	w.activeMu.Lock()
	delete(w.active, taskID)
	w.activeMu.Unlock()
}

func (w *Worker) cancelActive() {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	for taskID, cancel := range w.active {
		w.logger.Warn("cancelling active invocation", slog.String("task_id", taskID))
		cancel()
	}
}
