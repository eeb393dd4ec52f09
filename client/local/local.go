package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/backoff"
	"github.com/veldtlabs/txwork/client"
	"github.com/veldtlabs/txwork/id"
)

const (
	defaultMaxAttempts = 3

	// pollIdleWait bounds how long a poller sleeps when no wake signal
	// arrives, so tasks whose retry delay elapses are still picked up.
	pollIdleWait = 10 * time.Millisecond
)

type taskStatus int

const (
	statusPending taskStatus = iota
	statusRunning
	statusDone
	statusFailed
)

type record struct {
	task   client.Task
	status taskStatus
	runAt  time.Time
	fut    *Future
}

// Client is an in-memory implementation of client.Client. A single
// Client instance is safe for concurrent submitters and pollers.
type Client struct {
	mu       sync.Mutex
	tasks    map[string]*record
	queues   map[string][]*record
	limiters map[string]*rate.Limiter
	closed   bool

	retry       backoff.Strategy
	maxAttempts int
	rateLimit   rate.Limit
	rateBurst   int
	logger      *slog.Logger

	wake    chan struct{}
	closing chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithRetryStrategy sets the backoff applied between redeliveries of a
// failed task.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(c *Client) {
		if s != nil {
			c.retry = s
		}
	}
}

// WithMaxAttempts caps deliveries per task. Once the cap is reached a
// failed task is terminal and its error is surfaced to the submitter.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRateLimit throttles deliveries per queue to perSecond tasks with
// the given burst. Zero means unthrottled.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.rateLimit = rate.Limit(perSecond)
		c.rateBurst = burst
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an empty in-memory scheduler.
func New(opts ...Option) *Client {
	c := &Client{
		tasks:       make(map[string]*record),
		queues:      make(map[string][]*record),
		limiters:    make(map[string]*rate.Limiter),
		retry:       backoff.Default(),
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
		wake:        make(chan struct{}, 1),
		closing:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit enqueues a task and returns a Future resolving to its final
// outcome.
func (c *Client) Submit(ctx context.Context, activityType, queue string, input []byte) (*Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, txwork.ErrClientClosed
	}

	rec := &record{
		task: client.Task{
			ID:           id.NewTaskID(),
			ActivityType: activityType,
			Queue:        queue,
			Input:        input,
			MaxAttempts:  c.maxAttempts,
			EnqueuedAt:   time.Now(),
		},
		status: statusPending,
		runAt:  time.Now(),
	}
	rec.fut = &Future{taskID: rec.task.ID, done: make(chan struct{})}
	c.tasks[rec.task.ID.String()] = rec
	c.queues[queue] = append(c.queues[queue], rec)
	c.signal()

	c.logger.Debug("task submitted",
		slog.String("task_id", rec.task.ID.String()),
		slog.String("activity_type", activityType),
		slog.String("queue", queue),
	)
	return rec.fut, nil
}

// PollActivityTask blocks until a task on the queue is due, the context
// is cancelled, or the client is closed.
func (c *Client) PollActivityTask(ctx context.Context, queue string) (*client.Task, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, txwork.ErrClientClosed
		}
		if rec := c.nextReady(queue); rec != nil {
			rec.status = statusRunning
			rec.task.Attempt++
			t := rec.task
			c.mu.Unlock()
			return &t, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closing:
			return nil, txwork.ErrClientClosed
		case <-c.wake:
		case <-time.After(pollIdleWait):
		}
	}
}

// CompleteActivityTask records a successful outcome and resolves the
// task's future.
func (c *Client) CompleteActivityTask(ctx context.Context, taskID id.TaskID, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.tasks[taskID.String()]
	if !ok {
		return fmt.Errorf("txwork/local: complete %s: %w", taskID, txwork.ErrTaskNotFound)
	}
	rec.status = statusDone
	c.remove(rec)
	rec.fut.resolve(result, nil)
	return nil
}

// FailActivityTask records a failed delivery. The task is rescheduled
// with backoff until its attempts are exhausted, then resolved with the
// final error.
func (c *Client) FailActivityTask(ctx context.Context, taskID id.TaskID, taskErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.tasks[taskID.String()]
	if !ok {
		return fmt.Errorf("txwork/local: fail %s: %w", taskID, txwork.ErrTaskNotFound)
	}

	if rec.task.Attempt >= rec.task.MaxAttempts {
		rec.status = statusFailed
		c.remove(rec)
		rec.fut.resolve(nil, taskErr)
		c.logger.Warn("task exhausted attempts",
			slog.String("task_id", taskID.String()),
			slog.Int("attempts", rec.task.Attempt),
			slog.String("error", taskErr.Error()),
		)
		return nil
	}

	delay := c.retry.Delay(rec.task.Attempt)
	rec.status = statusPending
	rec.runAt = time.Now().Add(delay)
	c.logger.Debug("task rescheduled",
		slog.String("task_id", taskID.String()),
		slog.Int("attempt", rec.task.Attempt),
		slog.Duration("delay", delay),
	)
	return nil
}

// Close rejects further submissions and unblocks pollers. Outstanding
// futures are never resolved after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closing)
	return nil
}

// Pending reports how many tasks on the queue await delivery.
func (c *Client) Pending(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rec := range c.queues[queue] {
		if rec.status == statusPending {
			n++
		}
	}
	return n
}

// nextReady returns the oldest due pending task on the queue, honoring
// the queue's rate limiter. Callers hold c.mu.
func (c *Client) nextReady(queue string) *record {
	now := time.Now()
	for _, rec := range c.queues[queue] {
		if rec.status != statusPending || rec.runAt.After(now) {
			continue
		}
		if lim := c.limiter(queue); lim != nil && !lim.Allow() {
			return nil
		}
		return rec
	}
	return nil
}

func (c *Client) limiter(queue string) *rate.Limiter {
	if c.rateLimit <= 0 {
		return nil
	}
	lim, ok := c.limiters[queue]
	if !ok {
		burst := c.rateBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(c.rateLimit, burst)
		c.limiters[queue] = lim
	}
	return lim
}

// remove drops a terminal task from its queue and the index. Callers
// hold c.mu.
func (c *Client) remove(rec *record) {
	delete(c.tasks, rec.task.ID.String())
	q := c.queues[rec.task.Queue]
	for i, r := range q {
		if r == rec {
			c.queues[rec.task.Queue] = append(q[:i], q[i+1:]...)
			break
		}
	}
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Future resolves to a task's final outcome: the activity result on
// success, or the last delivery error once attempts are exhausted.
type Future struct {
	taskID id.TaskID
	done   chan struct{}
	res    []byte
	err    error
}

// TaskID returns the submitted task's id.
func (f *Future) TaskID() id.TaskID { return f.taskID }

// Get blocks until the task reaches a terminal state or the context is
// cancelled. Get may be called any number of times and from multiple
// goroutines.
func (f *Future) Get(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) resolve(res []byte, err error) {
	f.res, f.err = res, err
	close(f.done)
}
