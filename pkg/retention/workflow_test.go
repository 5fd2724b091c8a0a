package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/caseflow/internal/agent"
	"github.com/petrijr/caseflow/pkg/api"
)

func TestRetention_ImmediateApprovalTakesOneAttempt(t *testing.T) {
	script := agent.NewScripted().
		On(RoleBusinessIntelligence, agent.Reply{Text: "Churn risk contained."}).
		On(RoleCaseAnalysis, agent.Reply{Text: "Historical CLV: $1,200\nProjected CLV: $2,500.50\nRetention Probability: 40%\nCustomer Likely Retained: Yes"}).
		On(RoleResolutionSuggestion, agent.Reply{Text: "Refund shipping and expedite the GPU."})
	h := newHarness(t, script)

	inst := h.start(t, gpuComplaint())
	waiting := h.awaitProposal(t, inst.ID, 1)
	if waiting.Stage != StageResolutionLoop {
		t.Fatalf("expected stage %s while waiting, got %s", StageResolutionLoop, waiting.Stage)
	}
	h.signal(t, inst.ID, Approval{Approve: true})

	res, err := h.result(t, inst.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.ResolutionAttempts != 1 || !res.ResolutionApproved {
		t.Fatalf("expected one approved attempt, got %+v", res)
	}
	if res.FinalResolutionText != "Refund shipping and expedite the GPU." {
		t.Fatalf("unexpected resolution text %q", res.FinalResolutionText)
	}
	if want := CaseID(5, inst.CreatedAt); res.CaseID != want {
		t.Fatalf("expected case ID %s, got %s", want, res.CaseID)
	}
	if !res.Retained {
		t.Fatalf("explicit retention verdict must win over a 40%% probability")
	}
	if res.EstimatedValue != 2500.50 {
		t.Fatalf("expected estimated value 2500.50, got %v", res.EstimatedValue)
	}
	if res.ExecutiveSummary != "Churn risk contained." {
		t.Fatalf("unexpected executive summary %q", res.ExecutiveSummary)
	}
	if len(res.StageOutcomes) != 6 {
		t.Fatalf("expected six stage outcomes, got %v", res.StageOutcomes)
	}
	for stage, ok := range res.StageOutcomes {
		if !ok {
			t.Fatalf("stage %s reported failure", stage)
		}
	}
	if res.CompletionMinutes < 0 {
		t.Fatalf("negative completion time %v", res.CompletionMinutes)
	}
}

func TestRetention_DeclinesReproposeWithFeedback(t *testing.T) {
	for _, declines := range []int{1, 3} {
		t.Run(strings.Repeat("decline-", declines), func(t *testing.T) {
			script := numberedResolutions(agent.NewScripted())
			h := newHarness(t, script)

			inst := h.start(t, gpuComplaint())
			for i := 1; i <= declines; i++ {
				h.awaitProposal(t, inst.ID, i)
				followUp := "need timeline"
				if i == declines {
					followUp = "   "
				}
				h.signal(t, inst.ID, Approval{Approve: false, FollowUp: followUp})
			}
			h.awaitProposal(t, inst.ID, declines+1)
			h.signal(t, inst.ID, Approval{Approve: true})

			res, err := h.result(t, inst.ID)
			if err != nil {
				t.Fatalf("Result failed: %v", err)
			}
			if res.ResolutionAttempts != declines+1 {
				t.Fatalf("expected %d attempts, got %d", declines+1, res.ResolutionAttempts)
			}
			want := fmt.Sprintf("resolution #%d", declines+1)
			if res.FinalResolutionText != want {
				t.Fatalf("expected last proposal %q, got %q", want, res.FinalResolutionText)
			}

			calls := script.Calls(RoleResolutionSuggestion)
			if len(calls) != declines+1 {
				t.Fatalf("expected %d resolution calls, got %d", declines+1, len(calls))
			}
			if strings.Contains(calls[0].Prompt, "declined") {
				t.Fatalf("first proposal must not carry feedback: %q", calls[0].Prompt)
			}
			if declines > 1 && !strings.Contains(calls[1].Prompt, "need timeline") {
				t.Fatalf("second proposal must carry the reviewer's follow-up: %q", calls[1].Prompt)
			}
			if !strings.Contains(calls[declines].Prompt, DefaultFollowUp) {
				t.Fatalf("blank follow-up must become the default feedback: %q", calls[declines].Prompt)
			}
		})
	}
}

func TestRetention_GPUDelayScenario(t *testing.T) {
	script := numberedResolutions(agent.NewScripted())
	h := newHarness(t, script)

	inst := h.start(t, gpuComplaint())
	caseID := CaseID(5, inst.CreatedAt)

	h.awaitProposal(t, inst.ID, 1)
	got, err := h.store.GetCase(context.Background(), caseID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	for field, stage := range map[string]string{
		FieldUrgencyLevel:            StageIDGeneration,
		FieldCustomerIntelligence:    StageParallelIntel,
		FieldOperationsInvestigation: StageParallelIntel,
		FieldRetentionStrategy:       StageStrategy,
		FieldExecutiveReport:         StageParallelAnalysis,
		FieldCaseAnalysis:            StageParallelAnalysis,
		FieldResolutionDraft:         StageResolutionLoop,
	} {
		f, ok := got.Fields[field]
		if !ok {
			t.Fatalf("case is missing field %s", field)
		}
		if f.Stage != stage {
			t.Fatalf("field %s owned by %s, want %s", field, f.Stage, stage)
		}
	}
	var urgency Urgency
	if err := json.Unmarshal(got.Fields[FieldUrgencyLevel].Value, &urgency); err != nil || urgency != UrgencyUrgent {
		t.Fatalf("expected urgent urgency, got %q (%v)", urgency, err)
	}

	h.signal(t, inst.ID, Approval{Approve: false, FollowUp: "need timeline"})
	h.awaitProposal(t, inst.ID, 2)
	h.signal(t, inst.ID, Approval{Approve: true})

	res, err := h.result(t, inst.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if !res.ResolutionApproved || res.ResolutionAttempts != 2 {
		t.Fatalf("expected approval after 2 attempts, got %+v", res)
	}

	summary, err := h.store.GetCaseSummary(context.Background(), caseID)
	if err != nil {
		t.Fatalf("GetCaseSummary failed: %v", err)
	}
	var attempt int
	if _, err := summary.Decode(FieldResolutionAttempt, &attempt); err != nil || attempt != 2 {
		t.Fatalf("expected the case to record attempt 2, got %d (%v)", attempt, err)
	}
}

func TestRetention_SignalsQueuedEarlyAreConsumedInOrder(t *testing.T) {
	script := numberedResolutions(agent.NewScripted())
	h := newHarness(t, script)

	inst := h.start(t, gpuComplaint())
	h.signal(t, inst.ID, Approval{Approve: false, FollowUp: "cheaper"})
	h.signal(t, inst.ID, Approval{Approve: false, FollowUp: "faster"})
	h.signal(t, inst.ID, Approval{Approve: true})

	res, err := h.result(t, inst.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.ResolutionAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.ResolutionAttempts)
	}
	calls := script.Calls(RoleResolutionSuggestion)
	if !strings.Contains(calls[1].Prompt, "cheaper") || !strings.Contains(calls[2].Prompt, "faster") {
		t.Fatalf("feedback applied out of order: %q / %q", calls[1].Prompt, calls[2].Prompt)
	}
}

func TestRetention_ParallelJoinWaitsForSlowBranch(t *testing.T) {
	var sawBoth atomic.Bool
	script := agent.NewScripted().
		On(RoleOperationsInvestigation, agent.Reply{Text: "warehouse backlog", Delay: 150 * time.Millisecond}).
		Handle(RoleRetentionStrategy, func(req api.AgentRequest) (string, error) {
			summary, ok := req.Context["case"].(*api.CaseSummary)
			if !ok {
				return "", api.NonRetryable(errors.New("strategy ran without the case summary"))
			}
			_, intel := summary.Fields[FieldCustomerIntelligence]
			_, invest := summary.Fields[FieldOperationsInvestigation]
			sawBoth.Store(intel && invest)
			return "strategy", nil
		})
	h := newHarness(t, script)

	inst := h.start(t, gpuComplaint())
	h.awaitProposal(t, inst.ID, 1)
	if !sawBoth.Load() {
		t.Fatalf("strategy stage started before both parallel branches were recorded")
	}

	events, err := h.engine.History(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	completed := map[string]int64{}
	var strategyScheduled int64
	for _, ev := range events {
		switch {
		case ev.Type == api.EventActivityCompleted:
			completed[ev.Name] = ev.Seq
		case ev.Type == api.EventActivityScheduled && ev.Name == ActivityRetentionStrategy:
			strategyScheduled = ev.Seq
		}
	}
	if strategyScheduled < completed[ActivityOperationsInvestigation] || strategyScheduled < completed[ActivityCustomerIntelligence] {
		t.Fatalf("strategy scheduled at #%d before the join (%v)", strategyScheduled, completed)
	}
}

func TestRetention_TransientAgentFailureIsRetried(t *testing.T) {
	script := agent.NewScripted().
		On(RoleCaseAnalysis, agent.Reply{Err: errors.New("model overloaded")}, agent.Reply{Text: "Retention Probability: 75%"})
	h := newHarness(t, script)

	inst := h.start(t, gpuComplaint())
	h.signal(t, inst.ID, Approval{Approve: true})

	res, err := h.result(t, inst.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if !res.Retained {
		t.Fatalf("75%% probability without a verdict should count as retained")
	}
	if n := len(script.Calls(RoleCaseAnalysis)); n != 2 {
		t.Fatalf("expected 2 case analysis calls, got %d", n)
	}
	if n := h.countEvents(t, inst.ID, api.EventActivityAttemptFailed, ActivityCaseAnalysis); n != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", n)
	}
}

func TestRetention_FatalBranchFailureAbortsStage(t *testing.T) {
	script := agent.NewScripted().
		On(RoleOperationsInvestigation, agent.Reply{Err: api.NonRetryable(errors.New("order database rejected credentials"))})
	h := newHarness(t, script)

	inst := h.start(t, gpuComplaint())
	_, err := h.result(t, inst.ID)
	if err == nil {
		t.Fatalf("expected the instance to fail")
	}
	if !strings.Contains(err.Error(), "stage "+StageParallelIntel) {
		t.Fatalf("expected a %s stage error, got %v", StageParallelIntel, err)
	}
	if kind, ok := api.ActivityErrorKindOf(err); !ok || kind != api.ActivityFatal {
		t.Fatalf("expected a fatal activity error, got %v (%v)", kind, err)
	}
	if n := len(script.Calls(RoleRetentionStrategy)); n != 0 {
		t.Fatalf("strategy must not run after a failed stage, ran %d time(s)", n)
	}
}

func TestRetention_ApprovalTimeoutReissuesWait(t *testing.T) {
	h := newHarness(t, nil)

	in := gpuComplaint()
	in.Policy.ApprovalTimeout = api.Duration(30 * time.Millisecond)
	inst := h.start(t, in)

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := h.engine.GetInstance(context.Background(), inst.ID)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if got.Counters[CounterApprovalWaits] >= 2 && got.Status == api.StatusWaiting {
			break
		}
		if got.Status.Terminal() || time.Now().After(deadline) {
			t.Fatalf("expected repeated waits, instance is %s with counters %v", got.Status, got.Counters)
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.signal(t, inst.ID, Approval{Approve: true})
	res, err := h.result(t, inst.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.ResolutionAttempts != 1 {
		t.Fatalf("timeouts must not count as attempts, got %d", res.ResolutionAttempts)
	}
}

func TestRetention_ApprovalWaitCeilingFails(t *testing.T) {
	h := newHarness(t, nil)

	in := gpuComplaint()
	in.Policy = Policy{ApprovalTimeout: api.Duration(20 * time.Millisecond), MaxApprovalWaits: 2}
	inst := h.start(t, in)

	_, err := h.result(t, inst.ID)
	if !errors.Is(err, api.ErrSignalTimeout) {
		t.Fatalf("expected ErrSignalTimeout, got %v", err)
	}
	if n := h.countEvents(t, inst.ID, api.EventTimerFired, SignalApproval); n != 2 {
		t.Fatalf("expected 2 fired timers, got %d", n)
	}
}

func TestRetention_ResolutionAttemptCeilingFails(t *testing.T) {
	h := newHarness(t, nil)

	in := gpuComplaint()
	in.Policy.MaxResolutionAttempts = 2
	inst := h.start(t, in)
	h.signal(t, inst.ID, Approval{Approve: false})
	h.signal(t, inst.ID, Approval{Approve: false})

	_, err := h.result(t, inst.ID)
	if !errors.Is(err, ErrResolutionAttemptsExceeded) {
		t.Fatalf("expected ErrResolutionAttemptsExceeded, got %v", err)
	}
	got, _ := h.engine.GetInstance(context.Background(), inst.ID)
	if got.Counters[CounterResolutionAttempts] != 2 {
		t.Fatalf("expected 2 recorded attempts, got %v", got.Counters)
	}
}

func TestRetention_ReplayIsDeterministic(t *testing.T) {
	script := numberedResolutions(agent.NewScripted())
	h := newHarness(t, script)

	inst := h.start(t, gpuComplaint())
	h.signal(t, inst.ID, Approval{Approve: false, FollowUp: "need timeline"})
	h.signal(t, inst.ID, Approval{Approve: true})
	first, err := h.result(t, inst.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	callsBefore := len(script.Calls(""))
	historyBefore := h.countEvents(t, inst.ID, "", "")

	out, err := h.engine.Replay(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	var replayed Result
	if err := json.Unmarshal(out, &replayed); err != nil {
		t.Fatalf("decode replayed output: %v", err)
	}
	if replayed.CaseID != first.CaseID || replayed.ResolutionAttempts != first.ResolutionAttempts ||
		replayed.FinalResolutionText != first.FinalResolutionText || replayed.CompletionMinutes != first.CompletionMinutes {
		t.Fatalf("replay diverged:\n got %+v\nwant %+v", replayed, *first)
	}
	if n := len(script.Calls("")); n != callsBefore {
		t.Fatalf("replay invoked agents: %d calls, had %d", n, callsBefore)
	}
	if n := h.countEvents(t, inst.ID, "", ""); n != historyBefore {
		t.Fatalf("replay appended history: %d events, had %d", n, historyBefore)
	}
}

func TestRetention_StartRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)

	bad := []Complaint{
		{SubjectID: 0, ComplaintDetails: "GPU delay"},
		{SubjectID: 5, ComplaintDetails: "   "},
		{SubjectID: 5, ComplaintDetails: "GPU delay", UrgencyLevel: "whenever"},
		{SubjectID: 5, ComplaintDetails: "GPU delay", Policy: Policy{MaxApprovalWaits: -1}},
	}
	for _, in := range bad {
		_, err := h.engine.Start(context.Background(), WorkflowName, in)
		if !api.IsValidationError(err) {
			t.Fatalf("Start(%+v): expected a validation error, got %v", in, err)
		}
	}
	all, err := h.engine.ListInstances(context.Background(), api.InstanceListOptions{})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("rejected starts created %d instance(s)", len(all))
	}
}

func TestRetention_SignalRequiresApproveField(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.start(t, gpuComplaint())

	for _, payload := range []string{`{"followUp":"maybe"}`, `"yes"`} {
		err := h.engine.Signal(context.Background(), inst.ID, SignalApproval, json.RawMessage(payload))
		if !api.IsValidationError(err) {
			t.Fatalf("Signal(%s): expected a validation error, got %v", payload, err)
		}
	}
	if n := h.countEvents(t, inst.ID, api.EventSignalReceived, ""); n != 0 {
		t.Fatalf("rejected signals were recorded: %d", n)
	}
}
