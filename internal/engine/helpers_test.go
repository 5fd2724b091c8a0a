package engine

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/caseflow/internal/persistence"
	"github.com/petrijr/caseflow/internal/taskqueue"
	"github.com/petrijr/caseflow/pkg/api"
)

const testActivityQueue = "test-activities"

type engineFactory func(t *testing.T) *Engine

var engineFactories = map[string]engineFactory{
	"in-memory": func(t *testing.T) *Engine {
		return newTestEngine(persistence.NewInMemoryStore(), taskqueue.NewInMemoryQueue())
	},
	"sqlite": func(t *testing.T) *Engine {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		e, err := NewSQLiteEngine(db, nil)
		if err != nil {
			t.Fatalf("NewSQLiteEngine failed: %v", err)
		}
		tuneForTests(e)
		return e
	},
}

func newTestEngine(store *persistence.InMemoryStore, q taskqueue.Queue) *Engine {
	e := New(Config{
		Persistence: persistence.Persistence{Instances: store, History: store},
		Queue:       q,
	})
	tuneForTests(e)
	return e
}

func tuneForTests(e *Engine) {
	e.resultPoll = 5 * time.Millisecond
	e.retry = api.RetryPolicy{MaxAttempts: 3, InitialBackoff: 5 * time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 20 * time.Millisecond}
}

// forEachEngine runs fn once per engine backend.
func forEachEngine(t *testing.T, fn func(t *testing.T, e *Engine)) {
	for name, factory := range engineFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

// startWorkers drains the workflow queue and the given activity queues
// until the test ends.
func startWorkers(t *testing.T, e *Engine, queues ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	all := append([]string{e.WorkflowQueue()}, queues...)
	for _, queue := range all {
		for slot := 0; slot < 3; slot++ {
			wg.Add(1)
			go func(queue string, owner string) {
				defer wg.Done()
				for {
					task, err := e.Queue().Dequeue(ctx, queue, owner, time.Minute)
					if err != nil {
						return
					}
					if err := e.HandleTask(ctx, task); err != nil {
						if ctx.Err() != nil {
							return
						}
						_ = e.Queue().Nack(ctx, task.ID, owner, time.Now().Add(5*time.Millisecond), task.Attempts+1)
						continue
					}
					_ = e.Queue().Ack(ctx, task.ID, owner)
				}
			}(queue, queue+"-worker-"+string(rune('a'+slot)))
		}
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func awaitResult(t *testing.T, e *Engine, id string, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.Result(ctx, id, out)
	if ctx.Err() != nil {
		t.Fatalf("timed out waiting for result of %s", id)
	}
	return err
}

// waitForStatus polls until the instance reaches status.
func waitForStatus(t *testing.T, e *Engine, id string, status api.Status) *api.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := e.GetInstance(context.Background(), id)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if inst.Status == status {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached %s", id, status)
	return nil
}

func countEvents(t *testing.T, e *Engine, id string, typ api.EventType) int {
	t.Helper()
	h, err := e.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	n := 0
	for _, ev := range h {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func mustRegisterWorkflow(t *testing.T, e *Engine, def api.WorkflowDefinition) {
	t.Helper()
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow(%s) failed: %v", def.Name, err)
	}
}

func mustRegisterActivity(t *testing.T, e *Engine, name string, fn api.ActivityFunc) {
	t.Helper()
	if err := e.RegisterActivity(api.ActivityDefinition{Name: name, Fn: fn}); err != nil {
		t.Fatalf("RegisterActivity(%s) failed: %v", name, err)
	}
}

func mustStart(t *testing.T, e *Engine, name string, input any, opts ...api.StartOption) *api.WorkflowInstance {
	t.Helper()
	inst, err := e.Start(context.Background(), name, input, opts...)
	if err != nil {
		t.Fatalf("Start(%s) failed: %v", name, err)
	}
	return inst
}

var activityOpts = api.ActivityOptions{Queue: testActivityQueue, StartToCloseTimeout: 5 * time.Second}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// runPending handles queued tasks on the given queues until none is left.
// It is the synchronous counterpart of startWorkers.
func runPending(t *testing.T, e *Engine, queues ...string) {
	t.Helper()
	all := append([]string{e.WorkflowQueue()}, queues...)
	for {
		handled := false
		for _, queue := range all {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			task, err := e.Queue().Dequeue(ctx, queue, "test-runner", time.Minute)
			cancel()
			if err != nil {
				continue
			}
			if err := e.HandleTask(context.Background(), task); err != nil {
				t.Fatalf("HandleTask(%s) failed: %v", task.Type, err)
			}
			if err := e.Queue().Ack(context.Background(), task.ID, "test-runner"); err != nil {
				t.Fatalf("Ack failed: %v", err)
			}
			handled = true
		}
		if !handled {
			return
		}
	}
}

// sibling returns a second engine over the same stores, as another process
// would see them.
func sibling(e *Engine, q taskqueue.Queue) *Engine {
	s := New(Config{
		Persistence: persistence.Persistence{Instances: e.instances, History: e.history},
		Queue:       q,
	})
	tuneForTests(s)
	return s
}
