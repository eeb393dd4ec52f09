package client

import (
	"context"
	"time"

	"github.com/veldtlabs/txwork/id"
)

// Task is a single activity delivery. The same logical task may be
// delivered more than once; Attempt distinguishes redeliveries.
type Task struct {
	ID           id.TaskID
	ActivityType string
	Queue        string
	Input        []byte
	Attempt      int
	MaxAttempts  int
	EnqueuedAt   time.Time
}

// Client connects a worker to the scheduler that owns task state.
//
// PollActivityTask blocks until a task is available on the queue, the
// context is cancelled, or the client is closed. Every delivered task
// must be answered with exactly one CompleteActivityTask or
// FailActivityTask call; the scheduler decides whether a failed task
// is retried.
type Client interface {
	PollActivityTask(ctx context.Context, queue string) (*Task, error)
	CompleteActivityTask(ctx context.Context, taskID id.TaskID, result []byte) error
	FailActivityTask(ctx context.Context, taskID id.TaskID, taskErr error) error
	Close() error
}

// Workflow is a named workflow definition the worker announces to the
// scheduler at startup. Orchestration itself happens scheduler-side;
// workers only declare which workflows they serve.
type Workflow struct {
	Name      string
	TaskQueue string
}

// WorkflowRegistrar is implemented by clients whose scheduler tracks
// workflow registrations. Clients without the concept simply omit it.
type WorkflowRegistrar interface {
	RegisterWorkflow(ctx context.Context, wf Workflow) error
}
