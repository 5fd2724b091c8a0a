package retention

import (
	"regexp"
	"strconv"
	"strings"
)

// CaseMetrics are the figures the case analysis agent reports.
type CaseMetrics struct {
	HistoricalCLV        float64 `json:"historicalClv"`
	ProjectedCLV         float64 `json:"projectedClv"`
	TotalEstimatedValue  float64 `json:"totalEstimatedValue"`
	RetentionProbability float64 `json:"retentionProbabilityPercent"`
	StrategyInvestment   float64 `json:"strategyInvestment"`
	ROIRatio             float64 `json:"roiRatio"`
	CLVConfidence        string  `json:"clvConfidence"`
	StrategyQuality      string  `json:"strategyQuality"`
	// CustomerRetained is nil when the agent was uncertain.
	CustomerRetained     *bool   `json:"customerRetained,omitempty"`
}

// Retained decides the retention outcome: the agent's explicit verdict if
// it gave one, otherwise a retention probability of at least 50%.
func (m CaseMetrics) Retained() bool {
	if m.CustomerRetained != nil {
		return *m.CustomerRetained
	}
	return m.RetentionProbability >= 50
}

// Labels may be wrapped in markdown emphasis ("**Historical CLV:** $1,200").
const label = `(?i)%s:\**\s*`

var (
	reHistoricalCLV  = metricPattern("Historical CLV", `\$?([\d,]+(?:\.\d+)?)`)
	reProjectedCLV   = metricPattern("Projected CLV", `\$?([\d,]+(?:\.\d+)?)`)
	reRetentionProb  = metricPattern("Retention Probability", `(\d+(?:\.\d+)?)\s*%?`)
	reInvestment     = metricPattern("Total Strategy Investment", `\$?([\d,]+(?:\.\d+)?)`)
	reROIRatio       = metricPattern("ROI Ratio", `(\d+(?:\.\d+)?)`)
	reCLVConfidence  = metricPattern("CLV Confidence", `(\w+)`)
	reStrategyQual   = metricPattern("Strategy Quality", `([\w/]+)`)
	reLikelyRetained = metricPattern("Customer Likely Retained", `(\w+)`)
)

func metricPattern(name, value string) *regexp.Regexp {
	return regexp.MustCompile(strings.Replace(label, "%s", regexp.QuoteMeta(name), 1) + value)
}

// ParseCaseMetrics extracts CaseMetrics from the analysis agent's report.
// Missing or unreadable figures are zero; missing labels are "Unknown".
func ParseCaseMetrics(text string) CaseMetrics {
	m := CaseMetrics{
		HistoricalCLV:        number(reHistoricalCLV, text),
		ProjectedCLV:         number(reProjectedCLV, text),
		RetentionProbability: number(reRetentionProb, text),
		StrategyInvestment:   number(reInvestment, text),
		ROIRatio:             number(reROIRatio, text),
		CLVConfidence:        word(reCLVConfidence, text, "Unknown"),
		StrategyQuality:      word(reStrategyQual, text, "Unknown"),
	}
	m.TotalEstimatedValue = max(m.HistoricalCLV, m.ProjectedCLV)

	switch strings.ToLower(word(reLikelyRetained, text, "")) {
	case "yes", "true", "likely", "high":
		v := true
		m.CustomerRetained = &v
	case "no", "false", "unlikely", "low":
		v := false
		m.CustomerRetained = &v
	}
	return m
}

func number(re *regexp.Regexp, text string) float64 {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

func word(re *regexp.Regexp, text, fallback string) string {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return fallback
	}
	return match[1]
}
