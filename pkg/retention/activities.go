package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/caseflow/pkg/api"
)

// Case fields written by the activities, keyed to the stage that owns them.
const (
	FieldComplaintDetails        = "complaint_details"
	FieldRelatedOrderIDs         = "related_order_ids"
	FieldUrgencyLevel            = "urgency_level"
	FieldStatus                  = "status"
	FieldCustomerIntelligence    = "customer_intelligence"
	FieldOperationsInvestigation = "operations_investigation"
	FieldRetentionStrategy       = "retention_strategy"
	FieldExecutiveReport         = "executive_report"
	FieldCaseAnalysis            = "case_analysis"
	FieldCaseMetrics             = "case_metrics"
	FieldResolutionDraft         = "resolution_draft"
	FieldResolutionAttempt       = "resolution_attempt"
)

// CaseInput identifies the case and complaint an agent stage works on.
type CaseInput struct {
	CaseID           string  `json:"caseId"`
	SubjectID        int     `json:"subjectId"`
	ComplaintDetails string  `json:"complaintDetails"`
	RelatedOrderIDs  []int   `json:"relatedOrderIds,omitempty"`
	UrgencyLevel     Urgency `json:"urgencyLevel"`
}

// ResolutionInput asks for one resolution proposal.
type ResolutionInput struct {
	CaseID   string `json:"caseId"`
	Feedback string `json:"feedback,omitempty"`
	Attempt  int    `json:"attempt"`
}

// Activities implements the retention activities over a case store and an
// agent. Every agent stage merges its report into the case under the
// stage's provenance tag before returning.
type Activities struct {
	Store  api.CaseStore
	Agent  api.Agent
	Logger *slog.Logger
}

func (a *Activities) logger(ctx context.Context) *slog.Logger {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	if info, ok := api.ActivityInfoFromContext(ctx); ok {
		l = l.With(info.LogAttrs()...)
	}
	return l
}

// CreateCase creates the case record. A redelivered task finds its own
// case already present and succeeds.
func (a *Activities) CreateCase(ctx context.Context, in CaseInput) (string, error) {
	err := a.Store.CreateCase(ctx, in.CaseID, in.SubjectID, StageIDGeneration, map[string]any{
		FieldComplaintDetails: in.ComplaintDetails,
		FieldRelatedOrderIDs:  in.RelatedOrderIDs,
		FieldUrgencyLevel:     in.UrgencyLevel.OrDefault(),
		FieldStatus:           "open",
	})
	if errors.Is(err, api.ErrCaseExists) {
		existing, getErr := a.Store.GetCase(ctx, in.CaseID)
		if getErr != nil {
			return "", getErr
		}
		if existing.SubjectID != in.SubjectID {
			return "", api.NonRetryable(fmt.Errorf("case %s belongs to subject %d: %w", in.CaseID, existing.SubjectID, err))
		}
		a.logger(ctx).InfoContext(ctx, "case already created", slog.String("case_id", in.CaseID))
		return in.CaseID, nil
	}
	if err != nil {
		return "", err
	}
	a.logger(ctx).InfoContext(ctx, "case created", slog.String("case_id", in.CaseID))
	return in.CaseID, nil
}

func (a *Activities) CustomerIntelligence(ctx context.Context, in CaseInput) (AgentReport, error) {
	return a.run(ctx, agentCall{
		role:   RoleCustomerIntelligence,
		stage:  StageParallelIntel,
		field:  FieldCustomerIntelligence,
		caseID: in.CaseID,
		prompt: customerIntelligencePrompt(in),
	})
}

func (a *Activities) OperationsInvestigation(ctx context.Context, in CaseInput) (AgentReport, error) {
	return a.run(ctx, agentCall{
		role:   RoleOperationsInvestigation,
		stage:  StageParallelIntel,
		field:  FieldOperationsInvestigation,
		caseID: in.CaseID,
		prompt: operationsInvestigationPrompt(in),
	})
}

func (a *Activities) RetentionStrategy(ctx context.Context, in CaseInput) (AgentReport, error) {
	return a.run(ctx, agentCall{
		role:        RoleRetentionStrategy,
		stage:       StageStrategy,
		field:       FieldRetentionStrategy,
		caseID:      in.CaseID,
		prompt:      retentionStrategyPrompt(in),
		withSummary: true,
	})
}

func (a *Activities) BusinessIntelligence(ctx context.Context, in CaseInput) (AgentReport, error) {
	return a.run(ctx, agentCall{
		role:        RoleBusinessIntelligence,
		stage:       StageParallelAnalysis,
		field:       FieldExecutiveReport,
		caseID:      in.CaseID,
		prompt:      businessIntelligencePrompt(in),
		withSummary: true,
	})
}

// CaseAnalysis runs the analysis agent and parses its figures into
// CaseMetrics, which are stored alongside the report.
func (a *Activities) CaseAnalysis(ctx context.Context, in CaseInput) (AnalysisReport, error) {
	var metrics CaseMetrics
	report, err := a.run(ctx, agentCall{
		role:        RoleCaseAnalysis,
		stage:       StageParallelAnalysis,
		field:       FieldCaseAnalysis,
		caseID:      in.CaseID,
		prompt:      caseAnalysisPrompt(in),
		withSummary: true,
		extra: func(r AgentReport) map[string]any {
			metrics = ParseCaseMetrics(r.Text)
			return map[string]any{FieldCaseMetrics: metrics}
		},
	})
	if err != nil {
		return AnalysisReport{}, err
	}
	return AnalysisReport{AgentReport: report, Metrics: metrics}, nil
}

// SuggestResolution drafts one proposal. Each proposal overwrites the
// previous draft, which the resolution stage owns.
func (a *Activities) SuggestResolution(ctx context.Context, in ResolutionInput) (ResolutionReport, error) {
	report, err := a.run(ctx, agentCall{
		role:        RoleResolutionSuggestion,
		stage:       StageResolutionLoop,
		field:       FieldResolutionDraft,
		caseID:      in.CaseID,
		prompt:      resolutionPrompt(in),
		withSummary: true,
		extra: func(AgentReport) map[string]any {
			return map[string]any{FieldResolutionAttempt: in.Attempt}
		},
	})
	if err != nil {
		return ResolutionReport{}, err
	}
	return ResolutionReport{AgentReport: report, Attempt: in.Attempt}, nil
}

type agentCall struct {
	role        string
	stage       string
	field       string
	caseID      string
	prompt      string
	withSummary bool
	// extra returns additional fields to merge with the report.
	extra func(AgentReport) map[string]any
}

func (a *Activities) run(ctx context.Context, call agentCall) (AgentReport, error) {
	log := a.logger(ctx).With(slog.String("case_id", call.caseID), slog.String("role", call.role))

	req := api.AgentRequest{
		Role:     call.role,
		ThreadID: call.role + "_" + call.caseID,
		CaseID:   call.caseID,
		Prompt:   call.prompt,
	}
	if call.withSummary {
		summary, err := a.Store.GetCaseSummary(ctx, call.caseID)
		if err != nil {
			if errors.Is(err, api.ErrCaseNotFound) {
				return AgentReport{}, api.NonRetryable(err)
			}
			return AgentReport{}, fmt.Errorf("read case %s: %w", call.caseID, err)
		}
		req.Context = map[string]any{"case": summary}
	}

	resp, err := a.Agent.Invoke(ctx, req)
	if err != nil {
		log.WarnContext(ctx, "agent call failed", slog.Any("error", err))
		return AgentReport{}, err
	}
	report := AgentReport{Role: call.role, Text: resp.Text, Success: resp.Success, Usage: resp.Metrics}

	fields := map[string]any{call.field: report}
	if call.extra != nil {
		for k, v := range call.extra(report) {
			fields[k] = v
		}
	}
	if err := a.Store.UpdateCase(ctx, call.caseID, call.stage, fields); err != nil {
		if errors.Is(err, api.ErrCaseConflict) || errors.Is(err, api.ErrCaseNotFound) {
			return AgentReport{}, api.NonRetryable(err)
		}
		return AgentReport{}, fmt.Errorf("update case %s: %w", call.caseID, err)
	}
	log.InfoContext(ctx, "agent stage recorded", slog.Bool("success", report.Success))
	return report, nil
}

// Register registers the retention activities on r.
func (a *Activities) Register(r api.Registrar) error {
	defs := []api.ActivityDefinition{
		{Name: ActivityCreateCase, Fn: api.TypedActivity(a.CreateCase)},
		{Name: ActivityCustomerIntelligence, Fn: api.TypedActivity(a.CustomerIntelligence)},
		{Name: ActivityOperationsInvestigation, Fn: api.TypedActivity(a.OperationsInvestigation)},
		{Name: ActivityRetentionStrategy, Fn: api.TypedActivity(a.RetentionStrategy)},
		{Name: ActivityBusinessIntelligence, Fn: api.TypedActivity(a.BusinessIntelligence)},
		{Name: ActivityCaseAnalysis, Fn: api.TypedActivity(a.CaseAnalysis)},
		{Name: ActivitySuggestResolution, Fn: api.TypedActivity(a.SuggestResolution)},
	}
	for _, def := range defs {
		if err := r.RegisterActivity(def); err != nil {
			return err
		}
	}
	return nil
}
