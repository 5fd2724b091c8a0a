package retention

import (
	"fmt"
	"strings"
)

// Agent roles.
const (
	RoleCustomerIntelligence    = "customer_intelligence"
	RoleOperationsInvestigation = "operations_investigation"
	RoleRetentionStrategy       = "retention_strategy"
	RoleBusinessIntelligence    = "business_intelligence"
	RoleCaseAnalysis            = "case_analysis"
	RoleResolutionSuggestion    = "resolution_suggestion"
)

// RolePrompts are the system prompts for each role, suitable for
// agent.WithRolePrompt.
var RolePrompts = map[string]string{
	RoleCustomerIntelligence: "You analyse customer value for retention cases. " +
		"Quantify historical and projected customer lifetime value, churn risk and retention priority.",
	RoleOperationsInvestigation: "You investigate operational causes of customer complaints: " +
		"order fulfilment, shipping delays, inventory and product quality. Name root causes and fixes.",
	RoleRetentionStrategy: "You design retention strategies from the findings of the intelligence and " +
		"operations agents. Propose compensation, communication and follow-up with estimated cost.",
	RoleBusinessIntelligence: "You write executive reports on retention cases. " +
		"Lead with the business impact, then the strategy and its expected return.",
	RoleCaseAnalysis: "You extract outcomes and metrics from completed retention cases. " +
		"Use only figures present in the case record and say Not Available otherwise.",
	RoleResolutionSuggestion: "You propose a concrete resolution for a retention case that a human " +
		"reviewer will approve or decline. Address reviewer feedback directly when given.",
}

func complaintHeader(in CaseInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case: %s\nCustomer ID: %d\nUrgency: %s\nComplaint: %s\n",
		in.CaseID, in.SubjectID, in.UrgencyLevel.OrDefault(), in.ComplaintDetails)
	if len(in.RelatedOrderIDs) > 0 {
		ids := make([]string, len(in.RelatedOrderIDs))
		for i, id := range in.RelatedOrderIDs {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(&b, "Related orders: %s\n", strings.Join(ids, ", "))
	}
	return b.String()
}

func customerIntelligencePrompt(in CaseInput) string {
	return "Assess the value and churn risk of this customer.\n\n" + complaintHeader(in) +
		"\nReport historical and projected lifetime value, risk indicators and a retention priority (high/medium/low)."
}

func operationsInvestigationPrompt(in CaseInput) string {
	return "Investigate the operational issues behind this complaint.\n\n" + complaintHeader(in) +
		"\nReport the root causes, affected orders and the operational fixes required."
}

func retentionStrategyPrompt(in CaseInput) string {
	return "Develop a retention strategy using the case record in the context.\n\n" + complaintHeader(in) +
		"\nInclude compensation, customer communication, operational follow-up and the total strategy investment."
}

func businessIntelligencePrompt(in CaseInput) string {
	return "Write the executive report for this retention case using the case record in the context.\n\n" +
		complaintHeader(in)
}

func caseAnalysisPrompt(in CaseInput) string {
	return "Extract the real outcomes of this retention case from the case record in the context.\n\n" +
		complaintHeader(in) + `
Answer using exactly these labels:
- Historical CLV: $X
- Projected CLV: $X
- CLV Confidence: High/Medium/Low
- Retention Probability: XX%
- Strategy Quality: Comprehensive/Adequate/Basic
- Total Strategy Investment: $X
- ROI Ratio: X.XX
- Customer Likely Retained: Yes/No/Uncertain`
}

func resolutionPrompt(in ResolutionInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Propose a resolution for retention case %s (proposal %d).\n", in.CaseID, in.Attempt)
	b.WriteString("Base it on the strategy, investigation and analysis in the case record in the context.\n")
	if strings.TrimSpace(in.Feedback) != "" {
		fmt.Fprintf(&b, "\nThe reviewer declined the previous proposal with this feedback:\n%s\n", in.Feedback)
	}
	return b.String()
}
