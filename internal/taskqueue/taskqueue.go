package taskqueue

import (
	"context"
	"errors"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeWorkflow runs one workflow task: replay the instance history
	// and record whatever new commands the workflow issues.
	TaskTypeWorkflow TaskType = "workflow"
	// TaskTypeActivity executes one attempt of a scheduled activity.
	TaskTypeActivity TaskType = "activity"
	// TaskTypeTimer fires a durable timer.
	TaskTypeTimer TaskType = "timer"

	// TaskTypeStartWorkflow is a client start request routed through the
	// queue instead of calling the engine directly.
	TaskTypeStartWorkflow TaskType = "start-workflow"
)

// DefaultWorkflowQueue receives workflow, timer and client tasks unless a
// task names another queue.
const DefaultWorkflowQueue = "workflow-tasks"

// ErrLeaseLost is returned by Ack, Nack and RenewLease when the caller no
// longer holds the lease on the task.
var ErrLeaseLost = errors.New("task lease lost")

// Task represents a unit of work for the worker.
type Task struct {
	ID    string
	Type  TaskType
	Queue string

	WorkflowName string
	InstanceID   string

	// Signal a timer task is waiting for.
	SignalName string

	// For activity and timer tasks
	ActivityName string
	Command      int

	// Payload is JSON whose shape depends on Type.
	Payload []byte

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts failed deliveries of this task.
	Attempts int
}

// QueueName returns the queue the task is routed to.
func (t Task) QueueName() string {
	if t.Queue == "" {
		return DefaultWorkflowQueue
	}
	return t.Queue
}

// Queue is a leased, at-least-once task queue. A dequeued task stays
// invisible to other consumers until its lease expires; it is removed only
// by Ack.
type Queue interface {
	// Enqueue adds a task to the queue. A task whose ID is still stored,
	// leased or not, is left untouched and Enqueue returns nil.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next eligible task of the named queue to owner,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a leased task so it becomes eligible again at notBefore.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends the lease held by owner.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks queued, leased or not.
	Len() int
}

var errInvalidLease = errors.New("leaseTTL must be > 0")

// pollTimer returns a stopped timer that Dequeue loops reuse between
// idle polls.
func pollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}

// waitPoll sleeps for d or until ctx is done.
func waitPoll(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
