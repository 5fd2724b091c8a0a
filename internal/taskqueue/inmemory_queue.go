package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a leased Queue kept in process memory.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     int64

	pollInterval time.Duration
}

type memEntry struct {
	task         Task
	seq          int64
	leasedBy     string
	leaseExpires time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries:      make(map[string]*memEntry),
		pollInterval: 5 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = prepare(t, time.Now())

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[t.ID]; ok {
		return nil
	}
	q.seq++
	q.entries[t.ID] = &memEntry{task: t, seq: q.seq}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		return nil, errInvalidLease
	}
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t := q.tryLease(queue, owner, leaseTTL); t != nil {
			return t, nil
		}
		if err := waitPoll(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *InMemoryQueue) tryLease(queue, owner string, leaseTTL time.Duration) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var best *memEntry
	for _, e := range q.entries {
		if e.task.Queue != queue || e.task.NotBefore.After(now) {
			continue
		}
		if e.leasedBy != "" && e.leaseExpires.After(now) {
			continue
		}
		if best == nil || e.task.NotBefore.Before(best.task.NotBefore) ||
			(e.task.NotBefore.Equal(best.task.NotBefore) && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	best.leasedBy = owner
	best.leaseExpires = now.Add(leaseTTL)
	t := best.task
	t.Payload = append([]byte(nil), best.task.Payload...)
	return &t
}

func (q *InMemoryQueue) leased(taskID, owner string) (*memEntry, error) {
	e, ok := q.entries[taskID]
	if !ok || e.leasedBy != owner {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.leased(taskID, owner); err != nil {
		return err
	}
	delete(q.entries, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(taskID, owner)
	if err != nil {
		return err
	}
	e.leasedBy = ""
	e.leaseExpires = time.Time{}
	e.task.NotBefore = notBefore
	e.task.Attempts = attempts
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		return errInvalidLease
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(taskID, owner)
	if err != nil {
		return err
	}
	e.leaseExpires = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
