package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/caseflow/internal/testutil"
)

// QueueSuite is the behavioural contract shared by every Queue backend.
type QueueSuite struct {
	suite.Suite
	newQueue func(t *testing.T) Queue

	queue Queue
	ctx   context.Context
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.queue = s.newQueue(s.T())
}

func (s *QueueSuite) dequeue(queue, owner string, ttl time.Duration) *Task {
	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	task, err := s.queue.Dequeue(ctx, queue, owner, ttl)
	s.Require().NoError(err, "Dequeue(%s)", queue)
	return task
}

func (s *QueueSuite) TestFIFOWithinQueue() {
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.queue.Enqueue(s.ctx, Task{
			Type:       TaskTypeWorkflow,
			InstanceID: fmt.Sprintf("inst-%d", i),
			EnqueuedAt: time.Now(),
		}))
		time.Sleep(2 * time.Millisecond)
	}
	s.Equal(3, s.queue.Len())

	for i := 1; i <= 3; i++ {
		got := s.dequeue(DefaultWorkflowQueue, "w1", time.Minute)
		s.Equal(fmt.Sprintf("inst-%d", i), got.InstanceID)
		s.Equal(DefaultWorkflowQueue, got.Queue)
		s.NotEmpty(got.ID)
		s.Require().NoError(s.queue.Ack(s.ctx, got.ID, "w1"))
	}
	s.Equal(0, s.queue.Len())
}

func (s *QueueSuite) TestEnqueueIgnoresKnownID() {
	task := Task{ID: "inst-1/activity/3/1", Type: TaskTypeActivity, Queue: "customer-retention-queue", ActivityName: "create_case"}
	s.Require().NoError(s.queue.Enqueue(s.ctx, task))
	s.Require().NoError(s.queue.Enqueue(s.ctx, task))
	s.Equal(1, s.queue.Len())

	// Still ignored while leased.
	got := s.dequeue("customer-retention-queue", "w1", time.Minute)
	s.Equal(task.ID, got.ID)
	s.Require().NoError(s.queue.Enqueue(s.ctx, task))
	s.Equal(1, s.queue.Len())

	// Once acked the ID can be queued again.
	s.Require().NoError(s.queue.Ack(s.ctx, got.ID, "w1"))
	s.Require().NoError(s.queue.Enqueue(s.ctx, task))
	s.Equal(1, s.queue.Len())
}

func (s *QueueSuite) TestQueuesAreIsolated() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{Type: TaskTypeActivity, Queue: "case-analysis-queue", ActivityName: "case_analysis_agent"}))
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{Type: TaskTypeActivity, Queue: "customer-retention-queue", ActivityName: "create_case", Payload: []byte(`{"attempt":1}`)}))

	got := s.dequeue("customer-retention-queue", "w1", time.Minute)
	s.Equal("create_case", got.ActivityName)
	s.JSONEq(`{"attempt":1}`, string(got.Payload))

	got = s.dequeue("case-analysis-queue", "w1", time.Minute)
	s.Equal("case_analysis_agent", got.ActivityName)
}

func (s *QueueSuite) TestNotBeforeDelaysDelivery() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{Type: TaskTypeTimer, InstanceID: "later", NotBefore: time.Now().Add(300 * time.Millisecond)}))
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{Type: TaskTypeWorkflow, InstanceID: "now"}))

	first := s.dequeue(DefaultWorkflowQueue, "w1", time.Minute)
	s.Equal("now", first.InstanceID)

	start := time.Now()
	second := s.dequeue(DefaultWorkflowQueue, "w1", time.Minute)
	s.Equal("later", second.InstanceID)
	s.GreaterOrEqual(time.Since(start), 150*time.Millisecond)
}

func (s *QueueSuite) TestDequeueBlocksUntilCancelled() {
	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	_, err := s.queue.Dequeue(ctx, "empty-queue", "w1", time.Minute)
	s.Require().Error(err)
	s.True(errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func (s *QueueSuite) TestLeaseHidesTaskUntilExpiry() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{Type: TaskTypeWorkflow, InstanceID: "leased"}))

	first := s.dequeue(DefaultWorkflowQueue, "w1", 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	_, err := s.queue.Dequeue(ctx, DefaultWorkflowQueue, "w2", time.Minute)
	cancel()
	s.Require().Error(err, "task must stay invisible while leased")

	time.Sleep(250 * time.Millisecond)
	second := s.dequeue(DefaultWorkflowQueue, "w2", time.Minute)
	s.Equal(first.ID, second.ID)

	s.ErrorIs(s.queue.Ack(s.ctx, first.ID, "w1"), ErrLeaseLost)
	s.Require().NoError(s.queue.Ack(s.ctx, second.ID, "w2"))
}

func (s *QueueSuite) TestNackRequeuesWithAttempts() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{Type: TaskTypeWorkflow, InstanceID: "retry"}))
	got := s.dequeue(DefaultWorkflowQueue, "w1", time.Minute)

	s.ErrorIs(s.queue.Nack(s.ctx, got.ID, "someone-else", time.Now(), 1), ErrLeaseLost)
	s.Require().NoError(s.queue.Nack(s.ctx, got.ID, "w1", time.Now().Add(100*time.Millisecond), 1))

	again := s.dequeue(DefaultWorkflowQueue, "w2", time.Minute)
	s.Equal(got.ID, again.ID)
	s.Equal(1, again.Attempts)
	s.Equal("retry", again.InstanceID)
}

func (s *QueueSuite) TestRenewLease() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{Type: TaskTypeWorkflow, InstanceID: "renew"}))
	got := s.dequeue(DefaultWorkflowQueue, "w1", 150*time.Millisecond)

	s.ErrorIs(s.queue.RenewLease(s.ctx, got.ID, "w2", time.Minute), ErrLeaseLost)
	s.Require().NoError(s.queue.RenewLease(s.ctx, got.ID, "w1", time.Minute))

	time.Sleep(250 * time.Millisecond)
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.queue.Dequeue(ctx, DefaultWorkflowQueue, "w2", time.Minute)
	s.Require().Error(err, "renewed lease must still hide the task")

	s.Require().NoError(s.queue.Ack(s.ctx, got.ID, "w1"))
}

func (s *QueueSuite) TestConcurrentConsumersGetDistinctTasks() {
	const n = 10
	for i := 0; i < n; i++ {
		s.Require().NoError(s.queue.Enqueue(s.ctx, Task{Type: TaskTypeWorkflow, InstanceID: fmt.Sprintf("c-%d", i)}))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				mu.Lock()
				done := len(seen) == n
				mu.Unlock()
				if done {
					return
				}
				pollCtx, pollCancel := context.WithTimeout(ctx, 200*time.Millisecond)
				task, err := s.queue.Dequeue(pollCtx, DefaultWorkflowQueue, owner, time.Minute)
				pollCancel()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				mu.Lock()
				seen[task.InstanceID]++
				mu.Unlock()
				_ = s.queue.Ack(ctx, task.ID, owner)
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	s.Len(seen, n)
	for id, count := range seen {
		s.Equal(1, count, "task %s delivered more than once", id)
	}
}

func TestInMemoryQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue {
		return NewInMemoryQueue()
	}})
}

func TestSQLiteQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		q, err := NewSQLiteQueue(db)
		if err != nil {
			t.Fatalf("NewSQLiteQueue failed: %v", err)
		}
		return q
	}})
}

func TestPostgresQueueSuite(t *testing.T) {
	db, err := sql.Open("pgx", testutil.GetPostgresDSN(t))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue {
		q, err := NewPostgresQueue(db)
		if err != nil {
			t.Fatalf("NewPostgresQueue failed: %v", err)
		}
		if _, err := db.Exec("TRUNCATE TABLE queue_tasks"); err != nil {
			t.Fatalf("TRUNCATE queue_tasks failed: %v", err)
		}
		return q
	}})
}

func TestRedisQueueSuite(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue {
		return NewRedisQueue(client, fmt.Sprintf("caseflow-test-%d:", time.Now().UnixNano()))
	}})
}

func TestMongoQueueSuite(t *testing.T) {
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue {
		q := NewMongoQueue(client, "caseflow_test", fmt.Sprintf("queue_%d", time.Now().UnixNano()))
		if err := q.EnsureIndexes(ctx); err != nil {
			t.Fatalf("EnsureIndexes failed: %v", err)
		}
		return q
	}})
}
