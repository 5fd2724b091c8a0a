package engine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

type vote struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

// approvalWorkflow waits for votes until one approves and returns the notes
// of every vote it consumed.
func approvalWorkflow(timeout time.Duration) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "approval",
		Signals: []api.SignalDefinition{
			{Name: "vote", Validate: api.ValidateJSON[vote]()},
		},
		Fn: func(wctx api.WorkflowContext, _ json.RawMessage) (any, error) {
			var notes []string
			for i := 1; ; i++ {
				if err := wctx.SetCounter("waits", i); err != nil {
					return nil, err
				}
				var v vote
				if err := wctx.AwaitSignal("vote", timeout, &v); err != nil {
					return nil, err
				}
				notes = append(notes, v.Note)
				if v.Approve {
					return notes, nil
				}
			}
		},
	}
}

func TestSignal_ConsumedInArrivalOrder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e *Engine) {
		mustRegisterWorkflow(t, e, approvalWorkflow(0))
		inst := mustStart(t, e, "approval", nil)

		// Queue every vote before the workflow runs at all.
		for _, v := range []vote{{Note: "first"}, {Note: "second"}, {Approve: true, Note: "third"}, {Approve: true, Note: "extra"}} {
			if err := e.Signal(context.Background(), inst.ID, "vote", v); err != nil {
				t.Fatalf("Signal failed: %v", err)
			}
		}
		startWorkers(t, e)

		var notes []string
		if err := awaitResult(t, e, inst.ID, &notes); err != nil {
			t.Fatalf("Result failed: %v", err)
		}
		if want := []string{"first", "second", "third"}; !reflect.DeepEqual(notes, want) {
			t.Fatalf("consumed %v, want %v", notes, want)
		}
		if n := countEvents(t, e, inst.ID, api.EventSignalConsumed); n != 3 {
			t.Fatalf("expected 3 consumed signals, got %d", n)
		}
		got, _ := e.GetInstance(context.Background(), inst.ID)
		if got.Counters["waits"] != 3 {
			t.Fatalf("expected waits=3, got %v", got.Counters)
		}
	})
}

func TestSignal_WaitingUntilDelivered(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e *Engine) {
		mustRegisterWorkflow(t, e, approvalWorkflow(0))
		startWorkers(t, e)

		inst := mustStart(t, e, "approval", nil)
		waitForStatus(t, e, inst.ID, api.StatusWaiting)

		if err := e.Signal(context.Background(), inst.ID, "vote", vote{Note: "no"}); err != nil {
			t.Fatalf("Signal failed: %v", err)
		}
		eventually(t, func() bool {
			return countEvents(t, e, inst.ID, api.EventSignalConsumed) == 1
		}, "first vote was never consumed")
		waitForStatus(t, e, inst.ID, api.StatusWaiting)

		if err := e.Signal(context.Background(), inst.ID, "vote", vote{Approve: true, Note: "yes"}); err != nil {
			t.Fatalf("Signal failed: %v", err)
		}
		var notes []string
		if err := awaitResult(t, e, inst.ID, &notes); err != nil {
			t.Fatalf("Result failed: %v", err)
		}
		if want := []string{"no", "yes"}; !reflect.DeepEqual(notes, want) {
			t.Fatalf("consumed %v, want %v", notes, want)
		}
		if n := countEvents(t, e, inst.ID, api.EventTimerStarted); n != 0 {
			t.Fatalf("expected no timers for an unbounded wait, got %d", n)
		}
	})
}

func TestSignal_TimeoutFailsWait(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e *Engine) {
		mustRegisterWorkflow(t, e, approvalWorkflow(40*time.Millisecond))
		startWorkers(t, e)

		inst := mustStart(t, e, "approval", nil)
		err := awaitResult(t, e, inst.ID, nil)
		if !errors.Is(err, api.ErrSignalTimeout) {
			t.Fatalf("expected ErrSignalTimeout, got %v", err)
		}
		if n := countEvents(t, e, inst.ID, api.EventTimerFired); n != 1 {
			t.Fatalf("expected one fired timer, got %d", n)
		}
	})
}

func TestSignal_ArrivingBeforeTimerWins(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e *Engine) {
		mustRegisterWorkflow(t, e, approvalWorkflow(time.Hour))
		startWorkers(t, e)

		inst := mustStart(t, e, "approval", nil)
		waitForStatus(t, e, inst.ID, api.StatusWaiting)
		if err := e.Signal(context.Background(), inst.ID, "vote", vote{Approve: true, Note: "in time"}); err != nil {
			t.Fatalf("Signal failed: %v", err)
		}

		var notes []string
		if err := awaitResult(t, e, inst.ID, &notes); err != nil {
			t.Fatalf("Result failed: %v", err)
		}
		if len(notes) != 1 || notes[0] != "in time" {
			t.Fatalf("unexpected notes %v", notes)
		}
		if n := countEvents(t, e, inst.ID, api.EventTimerStarted); n != 1 {
			t.Fatalf("expected the wait to arm one timer, got %d", n)
		}
	})
}

func TestSignal_TerminalInstanceIgnoresSignal(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e *Engine) {
		mustRegisterWorkflow(t, e, approvalWorkflow(0))
		startWorkers(t, e)

		inst := mustStart(t, e, "approval", nil)
		if err := e.Signal(context.Background(), inst.ID, "vote", vote{Approve: true}); err != nil {
			t.Fatalf("Signal failed: %v", err)
		}
		if err := awaitResult(t, e, inst.ID, nil); err != nil {
			t.Fatalf("Result failed: %v", err)
		}
		before, _ := e.History(context.Background(), inst.ID)

		if err := e.Signal(context.Background(), inst.ID, "vote", vote{Approve: true}); err != nil {
			t.Fatalf("late Signal should be ignored, got %v", err)
		}
		after, _ := e.History(context.Background(), inst.ID)
		if len(after) != len(before) {
			t.Fatalf("late signal was recorded: %d -> %d events", len(before), len(after))
		}
	})
}

func TestSignal_Rejections(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e *Engine) {
		mustRegisterWorkflow(t, e, approvalWorkflow(0))
		inst := mustStart(t, e, "approval", nil)

		if err := e.Signal(context.Background(), inst.ID, "veto", vote{}); !api.IsValidationError(err) {
			t.Fatalf("expected validation error for undeclared signal, got %v", err)
		}
		if err := e.Signal(context.Background(), inst.ID, "vote", json.RawMessage(`{"approve":"maybe"}`)); !api.IsValidationError(err) {
			t.Fatalf("expected validation error for malformed payload, got %v", err)
		}
		if err := e.Signal(context.Background(), "no-such-instance", "vote", vote{}); !errors.Is(err, api.ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
		if n := countEvents(t, e, inst.ID, api.EventSignalReceived); n != 0 {
			t.Fatalf("rejected signals were recorded: %d", n)
		}
	})
}
