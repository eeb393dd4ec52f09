package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/backoff"
	"github.com/veldtlabs/txwork/client"
	"github.com/veldtlabs/txwork/id"
)

const (
	defaultStream      = "TXWORK_TASKS"
	defaultMaxAttempts = 3
	defaultAckWait     = 30 * time.Second

	subjectPrefix = "txwork.tasks."
	fetchWait     = time.Second
)

// envelope is the msgpack frame a task travels in.
type envelope struct {
	ID           string    `msgpack:"id"`
	ActivityType string    `msgpack:"activity_type"`
	Queue        string    `msgpack:"queue"`
	Input        []byte    `msgpack:"input"`
	MaxAttempts  int       `msgpack:"max_attempts"`
	EnqueuedAt   time.Time `msgpack:"enqueued_at"`
}

type delivery struct {
	msg     jetstream.Msg
	attempt int
}

// Client implements client.Client on a JetStream work-queue stream.
type Client struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	ownsConn bool

	stream      string
	ackWait     time.Duration
	retry       backoff.Strategy
	maxAttempts int
	logger      *slog.Logger

	mu        sync.Mutex
	ensured   bool
	consumers map[string]jetstream.Consumer
	inflight  map[string]delivery
	closed    bool
}

// Option configures a Client.
type Option func(*Client)

// WithStream sets the JetStream stream name. Defaults to TXWORK_TASKS.
func WithStream(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.stream = name
		}
	}
}

// WithAckWait sets how long JetStream waits for an outcome before
// redelivering a claimed task.
func WithAckWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ackWait = d
		}
	}
}

// WithRetryStrategy sets the nak delay applied between redeliveries.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(c *Client) {
		if s != nil {
			c.retry = s
		}
	}
}

// WithMaxAttempts caps deliveries per task, enforced via the consumer's
// MaxDeliver and a terminating ack once the cap is hit.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
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

// Connect dials NATS and prepares a JetStream client. The connection
// reconnects indefinitely; Close drains it.
func Connect(url string, opts ...Option) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("txwork"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("txwork/natsjs: connect %s: %w", url, err)
	}
	c, err := NewWithConn(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.ownsConn = true
	return c, nil
}

// NewWithConn wraps an existing NATS connection. The caller keeps
// ownership of the connection; Close does not touch it.
func NewWithConn(nc *nats.Conn, opts ...Option) (*Client, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("txwork/natsjs: jetstream: %w", err)
	}
	c := &Client{
		nc:          nc,
		js:          js,
		stream:      defaultStream,
		ackWait:     defaultAckWait,
		retry:       backoff.Default(),
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
		consumers:   make(map[string]jetstream.Consumer),
		inflight:    make(map[string]delivery),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit publishes a task onto the queue's subject and returns its id.
func (c *Client) Submit(ctx context.Context, activityType, queue string, input []byte) (id.TaskID, error) {
	if err := c.ensureStream(ctx); err != nil {
		return id.TaskID{}, err
	}

	taskID := id.NewTaskID()
	data, err := msgpack.Marshal(envelope{
		ID:           taskID.String(),
		ActivityType: activityType,
		Queue:        queue,
		Input:        input,
		MaxAttempts:  c.maxAttempts,
		EnqueuedAt:   time.Now().UTC(),
	})
	if err != nil {
		return id.TaskID{}, fmt.Errorf("txwork/natsjs: encode task: %w", err)
	}
	if _, err := c.js.Publish(ctx, subjectPrefix+queue, data); err != nil {
		return id.TaskID{}, fmt.Errorf("txwork/natsjs: publish to %s: %w", queue, err)
	}
	c.logger.Debug("task published",
		slog.String("task_id", taskID.String()),
		slog.String("activity_type", activityType),
		slog.String("queue", queue),
	)
	return taskID, nil
}

// PollActivityTask fetches the next task from the queue's durable
// consumer, blocking until one arrives or the context is cancelled.
func (c *Client) PollActivityTask(ctx context.Context, queue string) (*client.Task, error) {
	cons, err := c.consumer(ctx, queue)
	if err != nil {
		return nil, err
	}

	for {
		if c.isClosed() {
			return nil, txwork.ErrClientClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, fmt.Errorf("txwork/natsjs: fetch from %s: %w", queue, err)
		}
		for msg := range batch.Messages() {
			task, err := c.accept(msg)
			if err != nil {
				// Undecodable frames would redeliver forever.
				c.logger.Error("dropping malformed task message",
					slog.String("queue", queue),
					slog.String("error", err.Error()),
				)
				_ = msg.Term()
				continue
			}
			return task, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("txwork/natsjs: fetch from %s: %w", queue, err)
		}
	}
}

func (c *Client) accept(msg jetstream.Msg) (*client.Task, error) {
	var env envelope
	if err := msgpack.Unmarshal(msg.Data(), &env); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	taskID, err := id.ParseTaskID(env.ID)
	if err != nil {
		return nil, fmt.Errorf("task id %q: %w", env.ID, err)
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	c.mu.Lock()
	c.inflight[env.ID] = delivery{msg: msg, attempt: attempt}
	c.mu.Unlock()

	return &client.Task{
		ID:           taskID,
		ActivityType: env.ActivityType,
		Queue:        env.Queue,
		Input:        env.Input,
		Attempt:      attempt,
		MaxAttempts:  env.MaxAttempts,
		EnqueuedAt:   env.EnqueuedAt,
	}, nil
}

// CompleteActivityTask acks the task's message, removing it from the
// work queue.
func (c *Client) CompleteActivityTask(ctx context.Context, taskID id.TaskID, result []byte) error {
	d, ok := c.take(taskID)
	if !ok {
		return fmt.Errorf("txwork/natsjs: complete %s: %w", taskID, txwork.ErrTaskNotFound)
	}
	if err := d.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("txwork/natsjs: ack %s: %w", taskID, err)
	}
	return nil
}

// FailActivityTask naks the task's message with backoff, or terminates
// it once attempts are exhausted.
func (c *Client) FailActivityTask(ctx context.Context, taskID id.TaskID, taskErr error) error {
	d, ok := c.take(taskID)
	if !ok {
		return fmt.Errorf("txwork/natsjs: fail %s: %w", taskID, txwork.ErrTaskNotFound)
	}

	if d.attempt >= c.maxAttempts {
		c.logger.Warn("task exhausted attempts",
			slog.String("task_id", taskID.String()),
			slog.Int("attempts", d.attempt),
			slog.String("error", taskErr.Error()),
		)
		if err := d.msg.Term(); err != nil {
			return fmt.Errorf("txwork/natsjs: terminate %s: %w", taskID, err)
		}
		return nil
	}

	delay := c.retry.Delay(d.attempt)
	if err := d.msg.NakWithDelay(delay); err != nil {
		return fmt.Errorf("txwork/natsjs: nak %s: %w", taskID, err)
	}
	c.logger.Debug("task rescheduled",
		slog.String("task_id", taskID.String()),
		slog.Int("attempt", d.attempt),
		slog.Duration("delay", delay),
	)
	return nil
}

// Close marks the client closed and drains the connection when this
// client owns it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.ownsConn && c.nc != nil && !c.nc.IsClosed() {
		if err := c.nc.Drain(); err != nil {
			return fmt.Errorf("txwork/natsjs: drain: %w", err)
		}
	}
	return nil
}

func (c *Client) take(taskID id.TaskID) (delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.inflight[taskID.String()]
	if ok {
		delete(c.inflight, taskID.String())
	}
	return d, ok
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) ensureStream(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ensured {
		return nil
	}
	_, err := c.js.Stream(ctx, c.stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		_, err = c.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      c.stream,
			Subjects:  []string{subjectPrefix + ">"},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		})
	}
	if err != nil {
		return fmt.Errorf("txwork/natsjs: ensure stream %s: %w", c.stream, err)
	}
	c.ensured = true
	return nil
}

func (c *Client) consumer(ctx context.Context, queue string) (jetstream.Consumer, error) {
	if err := c.ensureStream(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cons, ok := c.consumers[queue]; ok {
		return cons, nil
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: subjectPrefix + queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.ackWait,
		MaxDeliver:    c.maxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("txwork/natsjs: consumer for %s: %w", queue, err)
	}
	c.consumers[queue] = cons
	return cons, nil
}

// durableName maps a queue name onto the characters NATS allows in
// durable consumer names.
func durableName(queue string) string {
	r := strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-", "/", "-")
	return "txwork-" + r.Replace(queue)
}
