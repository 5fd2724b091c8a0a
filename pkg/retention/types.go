package retention

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

// WorkflowName is the registered name of the retention workflow.
const WorkflowName = "customer_retention"

// Task queues. Every activity is bound to exactly one of them.
const (
	RetentionQueue    = "customer-retention-queue"
	CaseAnalysisQueue = "case-analysis-queue"
)

// Activity names.
const (
	ActivityCreateCase              = "create_case"
	ActivityCustomerIntelligence    = "customer_intelligence_agent"
	ActivityOperationsInvestigation = "operations_investigation_agent"
	ActivityRetentionStrategy       = "retention_strategy_agent"
	ActivityBusinessIntelligence    = "business_intelligence_agent"
	ActivityCaseAnalysis            = "case_analysis_agent"
	ActivitySuggestResolution       = "suggest_resolution"
)

// Stages, in order. They double as the provenance tags of case fields.
const (
	StageIDGeneration     = "id_generation"
	StageParallelIntel    = "parallel_intel"
	StageStrategy         = "strategy"
	StageParallelAnalysis = "parallel_analysis"
	StageResolutionLoop   = "resolution_loop"
)

// Durable counters.
const (
	CounterResolutionAttempts = "resolution_attempts"
	CounterApprovalWaits      = "approval_waits"
)

// SignalApproval carries an Approval from a human reviewer.
const SignalApproval = "approve_resolution"

// DefaultFollowUp is the feedback used when a reviewer declines without
// saying why.
const DefaultFollowUp = "This will not work. Please suggest something different."

// DefaultApprovalTimeout bounds one approval wait.
const DefaultApprovalTimeout = 30 * time.Minute

// executiveSummaryLimit is the rune length the executive summary is cut to.
const executiveSummaryLimit = 500

// ErrResolutionAttemptsExceeded fails an instance whose reviewer declined
// Policy.MaxResolutionAttempts proposals.
var ErrResolutionAttemptsExceeded = errors.New("resolution attempts exceeded")

func init() {
	api.RegisterFailureKind("resolution_attempts_exceeded", ErrResolutionAttemptsExceeded)
}

// Urgency of a complaint.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// Valid reports whether u is a known urgency. The empty value is valid and
// means medium.
func (u Urgency) Valid() bool {
	switch u {
	case "", UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

// OrDefault returns u, or medium when u is empty.
func (u Urgency) OrDefault() Urgency {
	if u == "" {
		return UrgencyMedium
	}
	return u
}

// Policy holds the optional ceilings of the resolution loop. Zero values
// mean unbounded.
type Policy struct {
	// MaxResolutionAttempts fails the instance once this many proposals
	// have been declined.
	MaxResolutionAttempts int `json:"maxResolutionAttempts,omitempty"`

	// MaxApprovalWaits fails the instance after this many consecutive
	// timed-out waits on one proposal.
	MaxApprovalWaits int `json:"maxApprovalWaits,omitempty"`

	// ApprovalTimeout bounds one wait. Defaults to 30 minutes.
	ApprovalTimeout api.Duration `json:"approvalTimeout,omitempty"`
}

func (p Policy) approvalTimeout() time.Duration {
	if p.ApprovalTimeout <= 0 {
		return DefaultApprovalTimeout
	}
	return time.Duration(p.ApprovalTimeout)
}

// Complaint is the start input of the retention workflow.
type Complaint struct {
	SubjectID        int     `json:"subjectId"`
	ComplaintDetails string  `json:"complaintDetails"`
	RelatedOrderIDs  []int   `json:"relatedOrderIds,omitempty"`
	UrgencyLevel     Urgency `json:"urgencyLevel,omitempty"`
	Policy           Policy  `json:"policy,omitzero"`
}

// Validate implements api.Validator.
func (c Complaint) Validate() error {
	if c.SubjectID <= 0 {
		return api.NewValidationError("subjectId", "must be a positive integer")
	}
	if strings.TrimSpace(c.ComplaintDetails) == "" {
		return api.NewValidationError("complaintDetails", "must not be empty")
	}
	if !c.UrgencyLevel.Valid() {
		return api.NewValidationError("urgencyLevel", fmt.Sprintf("unknown urgency %q", c.UrgencyLevel))
	}
	if c.Policy.MaxResolutionAttempts < 0 || c.Policy.MaxApprovalWaits < 0 || c.Policy.ApprovalTimeout < 0 {
		return api.NewValidationError("policy", "limits must not be negative")
	}
	return nil
}

// CaseID derives the case identifier from the subject and the instance's
// recorded start time, so every replay derives the same ID.
func CaseID(subjectID int, start time.Time) string {
	return fmt.Sprintf("retention_%d_%d", subjectID, start.Unix())
}

// Approval is the payload of the approve_resolution signal.
type Approval struct {
	Approve  bool   `json:"approve"`
	FollowUp string `json:"followUp,omitempty"`
}

// approvalPayload is the wire schema; approve is mandatory.
type approvalPayload struct {
	Approve  *bool  `json:"approve"`
	FollowUp string `json:"followUp"`
}

func (p approvalPayload) Validate() error {
	if p.Approve == nil {
		return api.NewValidationError("approve", "is required")
	}
	return nil
}

// feedback returns the text handed to the next proposal after a decline.
func (a Approval) feedback() string {
	if strings.TrimSpace(a.FollowUp) == "" {
		return DefaultFollowUp
	}
	return a.FollowUp
}

// AgentReport is the typed result of one agent stage.
type AgentReport struct {
	Role    string         `json:"role"`
	Text    string         `json:"text"`
	Success bool           `json:"success"`
	Usage   map[string]any `json:"usage,omitempty"`
}

// AnalysisReport is the result of the case analysis stage.
type AnalysisReport struct {
	AgentReport
	Metrics CaseMetrics `json:"metrics"`
}

// ResolutionReport is one resolution proposal.
type ResolutionReport struct {
	AgentReport
	Attempt int `json:"attempt"`
}

// Result is the terminal output of the retention workflow.
type Result struct {
	CaseID              string          `json:"caseId"`
	Retained            bool            `json:"retained"`
	EstimatedValue      float64         `json:"estimatedValue"`
	StageOutcomes       map[string]bool `json:"stageOutcomes"`
	ExecutiveSummary    string          `json:"executiveSummary"`
	CompletionMinutes   float64         `json:"completionMinutes"`
	ResolutionApproved  bool            `json:"resolutionApproved"`
	FinalResolutionText string          `json:"finalResolutionText"`
	ResolutionAttempts  int             `json:"resolutionAttempts"`
}

// Stage outcome keys of Result.StageOutcomes.
const (
	OutcomeCustomerIntelligence    = "customer_intelligence"
	OutcomeOperationsInvestigation = "operations_investigation"
	OutcomeRetentionStrategy       = "retention_strategy"
	OutcomeBusinessIntelligence    = "business_intelligence"
	OutcomeCaseAnalysis            = "case_analysis"
	OutcomeResolutionSuggestion    = "resolution_suggestion"
)
