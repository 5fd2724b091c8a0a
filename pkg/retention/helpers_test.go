package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/petrijr/caseflow/internal/agent"
	"github.com/petrijr/caseflow/internal/casestore"
	"github.com/petrijr/caseflow/internal/engine"
	"github.com/petrijr/caseflow/pkg/api"
	"github.com/petrijr/caseflow/pkg/worker"
)

var fastRetry = api.RetryPolicy{MaxAttempts: 3, InitialBackoff: 5 * time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 20 * time.Millisecond}

type harness struct {
	engine *engine.Engine
	store  *casestore.MemoryStore
	agent  *agent.Scripted
}

// newHarness registers the retention workflow on an in-memory engine and
// runs a worker over all of its queues until the test ends.
func newHarness(t *testing.T, script *agent.Scripted) *harness {
	t.Helper()
	if script == nil {
		script = agent.NewScripted()
	}
	h := &harness{
		engine: engine.NewInMemoryEngine(nil),
		store:  casestore.NewMemoryStore(),
		agent:  script,
	}
	acts := &Activities{Store: h.store, Agent: h.agent}
	if err := Register(h.engine, acts, WithAgentRetry(fastRetry)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	w := worker.New(h.engine, h.engine.Queue(), worker.Config{
		Queues:      []string{h.engine.WorkflowQueue(), RetentionQueue, CaseAnalysisQueue},
		Concurrency: 2,
		PollTimeout: 20 * time.Millisecond,
		Backoff:     5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) start(t *testing.T, in Complaint) *api.WorkflowInstance {
	t.Helper()
	inst, err := h.engine.Start(context.Background(), WorkflowName, in)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return inst
}

func (h *harness) signal(t *testing.T, id string, approval Approval) {
	t.Helper()
	if err := h.engine.Signal(context.Background(), id, SignalApproval, approval); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
}

func (h *harness) result(t *testing.T, id string) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res Result
	err := h.engine.Result(ctx, id, &res)
	if ctx.Err() != nil {
		t.Fatalf("timed out waiting for result of %s", id)
	}
	return &res, err
}

// awaitProposal waits until the instance is blocked on the approval of its
// n-th proposal.
func (h *harness) awaitProposal(t *testing.T, id string, n int) *api.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := h.engine.GetInstance(context.Background(), id)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if inst.Status == api.StatusWaiting && inst.Counters[CounterResolutionAttempts] == n {
			return inst
		}
		if inst.Status.Terminal() {
			t.Fatalf("instance %s finished with %s before proposal %d", id, inst.Status, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never waited on proposal %d", id, n)
	return nil
}

func (h *harness) countEvents(t *testing.T, id string, typ api.EventType, name string) int {
	t.Helper()
	events, err := h.engine.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	n := 0
	for _, ev := range events {
		if (typ == "" || ev.Type == typ) && (name == "" || ev.Name == name) {
			n++
		}
	}
	return n
}

func gpuComplaint() Complaint {
	return Complaint{
		SubjectID:        5,
		ComplaintDetails: "GPU delay",
		RelatedOrderIDs:  []int{5},
		UrgencyLevel:     UrgencyUrgent,
	}
}

// numberedResolutions answers every resolution request with its attempt.
func numberedResolutions(script *agent.Scripted) *agent.Scripted {
	return script.Handle(RoleResolutionSuggestion, func(req api.AgentRequest) (string, error) {
		return fmt.Sprintf("resolution #%d", len(script.Calls(RoleResolutionSuggestion))), nil
	})
}
