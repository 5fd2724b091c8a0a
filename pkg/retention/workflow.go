package retention

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

// AgentRetry is the retry policy of the agent activities.
var AgentRetry = api.RetryPolicy{
	MaxAttempts:       3,
	InitialBackoff:    2 * time.Second,
	BackoffMultiplier: 2,
	MaxBackoff:        time.Minute,
}

// Option configures the workflow definition.
type Option func(*workflow)

// WithAgentRetry replaces AgentRetry for every activity of the workflow.
func WithAgentRetry(p api.RetryPolicy) Option {
	return func(w *workflow) { w.retry = p }
}

// WithTimeoutScale multiplies every activity timeout by f.
func WithTimeoutScale(f float64) Option {
	return func(w *workflow) { w.timeoutScale = f }
}

type workflow struct {
	retry        api.RetryPolicy
	timeoutScale float64
}

// Definition returns the workflow definition of the retention workflow.
func Definition(opts ...Option) api.WorkflowDefinition {
	w := &workflow{retry: AgentRetry, timeoutScale: 1}
	for _, opt := range opts {
		opt(w)
	}
	return api.WorkflowDefinition{
		Name:     WorkflowName,
		Fn:       api.TypedWorkflow(w.run),
		Validate: api.ValidateJSON[Complaint](),
		Signals: []api.SignalDefinition{
			{Name: SignalApproval, Validate: api.ValidateJSON[approvalPayload]()},
		},
	}
}

// Register registers the workflow and its activities on r.
func Register(r api.Registrar, acts *Activities, opts ...Option) error {
	if err := r.RegisterWorkflow(Definition(opts...)); err != nil {
		return err
	}
	return acts.Register(r)
}

func (w *workflow) options(queue string, timeout time.Duration) api.ActivityOptions {
	retry := w.retry
	return api.ActivityOptions{
		Queue:               queue,
		StartToCloseTimeout: time.Duration(float64(timeout) * w.timeoutScale),
		Retry:               &retry,
	}
}

// stageErr wraps a failure of stage; suspensions pass through untouched.
func stageErr(stage string, err error) error {
	if err == nil || api.IsSuspended(err) {
		return err
	}
	return &api.StageError{Stage: stage, Err: err}
}

func (w *workflow) run(wctx api.WorkflowContext, in Complaint) (*Result, error) {
	log := wctx.Logger()
	start := wctx.StartTime()
	caseID := CaseID(in.SubjectID, start)
	caseIn := CaseInput{
		CaseID:           caseID,
		SubjectID:        in.SubjectID,
		ComplaintDetails: in.ComplaintDetails,
		RelatedOrderIDs:  in.RelatedOrderIDs,
		UrgencyLevel:     in.UrgencyLevel.OrDefault(),
	}

	if err := wctx.EnterStage(StageIDGeneration); err != nil {
		return nil, err
	}
	if err := wctx.ExecuteActivity(ActivityCreateCase, w.options(RetentionQueue, time.Minute), caseIn).Get(nil); err != nil {
		return nil, stageErr(StageIDGeneration, err)
	}
	log.Info("case created", slog.String("case_id", caseID))

	if err := wctx.EnterStage(StageParallelIntel); err != nil {
		return nil, err
	}
	intelF := wctx.ExecuteActivity(ActivityCustomerIntelligence, w.options(RetentionQueue, 8*time.Minute), caseIn)
	investF := wctx.ExecuteActivity(ActivityOperationsInvestigation, w.options(RetentionQueue, 8*time.Minute), caseIn)
	if err := api.All(intelF, investF); err != nil {
		return nil, stageErr(StageParallelIntel, err)
	}
	var intel, invest AgentReport
	if err := intelF.Get(&intel); err != nil {
		return nil, err
	}
	if err := investF.Get(&invest); err != nil {
		return nil, err
	}

	if err := wctx.EnterStage(StageStrategy); err != nil {
		return nil, err
	}
	var strategy AgentReport
	if err := wctx.ExecuteActivity(ActivityRetentionStrategy, w.options(RetentionQueue, 6*time.Minute), caseIn).Get(&strategy); err != nil {
		return nil, stageErr(StageStrategy, err)
	}

	if err := wctx.EnterStage(StageParallelAnalysis); err != nil {
		return nil, err
	}
	biF := wctx.ExecuteActivity(ActivityBusinessIntelligence, w.options(RetentionQueue, 6*time.Minute), caseIn)
	analysisF := wctx.ExecuteActivity(ActivityCaseAnalysis, w.options(CaseAnalysisQueue, 4*time.Minute), caseIn)
	if err := api.All(biF, analysisF); err != nil {
		return nil, stageErr(StageParallelAnalysis, err)
	}
	var bi AgentReport
	var analysis AnalysisReport
	if err := biF.Get(&bi); err != nil {
		return nil, err
	}
	if err := analysisF.Get(&analysis); err != nil {
		return nil, err
	}

	if err := wctx.EnterStage(StageResolutionLoop); err != nil {
		return nil, err
	}
	resolution, attempts, err := w.resolve(wctx, caseID, in.Policy)
	if err != nil {
		return nil, err
	}

	end := wctx.Now()
	result := &Result{
		CaseID:         caseID,
		Retained:       analysis.Metrics.Retained(),
		EstimatedValue: analysis.Metrics.TotalEstimatedValue,
		StageOutcomes: map[string]bool{
			OutcomeCustomerIntelligence:    intel.Success,
			OutcomeOperationsInvestigation: invest.Success,
			OutcomeRetentionStrategy:       strategy.Success,
			OutcomeBusinessIntelligence:    bi.Success,
			OutcomeCaseAnalysis:            analysis.Success,
			OutcomeResolutionSuggestion:    resolution.Success,
		},
		ExecutiveSummary:    executiveSummary(bi.Text),
		CompletionMinutes:   end.Sub(start).Minutes(),
		ResolutionApproved:  true,
		FinalResolutionText: resolution.Text,
		ResolutionAttempts:  attempts,
	}
	log.Info("retention case closed",
		slog.String("case_id", caseID),
		slog.Bool("retained", result.Retained),
		slog.Int("resolution_attempts", attempts),
	)
	return result, nil
}

// resolve proposes resolutions until one is approved and returns it with
// the number of proposals made.
func (w *workflow) resolve(wctx api.WorkflowContext, caseID string, policy Policy) (ResolutionReport, int, error) {
	feedback := ""
	for attempt := 1; ; attempt++ {
		if err := wctx.SetCounter(CounterResolutionAttempts, attempt); err != nil {
			return ResolutionReport{}, 0, err
		}
		var draft ResolutionReport
		in := ResolutionInput{CaseID: caseID, Feedback: feedback, Attempt: attempt}
		if err := wctx.ExecuteActivity(ActivitySuggestResolution, w.options(RetentionQueue, 8*time.Minute), in).Get(&draft); err != nil {
			return ResolutionReport{}, 0, stageErr(StageResolutionLoop, err)
		}

		approval, err := awaitApproval(wctx, policy)
		if err != nil {
			return ResolutionReport{}, 0, err
		}
		if approval.Approve {
			wctx.Logger().Info("resolution approved", slog.Int("attempt", attempt))
			return draft, attempt, nil
		}

		wctx.Logger().Info("resolution declined", slog.Int("attempt", attempt), slog.String("follow_up", approval.FollowUp))
		if policy.MaxResolutionAttempts > 0 && attempt >= policy.MaxResolutionAttempts {
			return ResolutionReport{}, 0, fmt.Errorf("%w: %d proposal(s) declined", ErrResolutionAttemptsExceeded, attempt)
		}
		feedback = approval.feedback()
	}
}

// awaitApproval waits for the next approval signal. A timed-out wait is
// re-issued; with MaxApprovalWaits set the instance gives up after that
// many consecutive timeouts.
func awaitApproval(wctx api.WorkflowContext, policy Policy) (Approval, error) {
	waits := 0
	for {
		var approval Approval
		err := wctx.AwaitSignal(SignalApproval, policy.approvalTimeout(), &approval)
		if err == nil {
			return approval, nil
		}
		if !errors.Is(err, api.ErrSignalTimeout) {
			return Approval{}, err
		}
		waits++
		if err := wctx.SetCounter(CounterApprovalWaits, waits); err != nil {
			return Approval{}, err
		}
		wctx.Logger().Warn("approval wait timed out", slog.Int("waits", waits))
		if policy.MaxApprovalWaits > 0 && waits >= policy.MaxApprovalWaits {
			return Approval{}, &api.SignalTimeoutError{Signal: SignalApproval, Waits: waits}
		}
	}
}

func executiveSummary(report string) string {
	if report == "" {
		return "Executive report not available"
	}
	runes := []rune(report)
	if len(runes) <= executiveSummaryLimit {
		return report
	}
	return string(runes[:executiveSummaryLimit]) + "..."
}
