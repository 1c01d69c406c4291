package synthesis

import (
	"fmt"
	"slices"
	"time"

	"github.com/c360studio/callscore/extraction"
	"github.com/c360studio/callscore/llm"
)

var dealStatuses = []string{"advancing", "stalled", "at_risk", "lost"}

// DealSignal is the synthesized indicator of deal health.
type DealSignal struct {
	Status     string  `json:"status"`
	Likelihood float64 `json:"likelihood"`
	Rationale  string  `json:"rationale"`
}

// DimensionScore rates the rep on one skill dimension, 0-10.
type DimensionScore struct {
	Dimension string `json:"dimension"`
	Score     int    `json:"score"`
	Evidence  string `json:"evidence,omitempty"`
}

// Narrative is the prose part of the report.
type Narrative struct {
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	CoachingTips []string `json:"coaching_tips"`
}

// reportOutput is the shape the model must return.
type reportOutput struct {
	OverallScore int              `json:"overall_score"`
	DealSignal   DealSignal       `json:"deal_signal"`
	Performance  []DimensionScore `json:"performance"`
	Narrative    Narrative        `json:"narrative"`
}

func (r *reportOutput) Validate() error {
	if r.OverallScore < 0 || r.OverallScore > 100 {
		return llm.NewValidationError("overall_score", "%d outside [0, 100]", r.OverallScore)
	}
	if !slices.Contains(dealStatuses, r.DealSignal.Status) {
		return llm.NewValidationError("deal_signal.status", "%q is not one of %v", r.DealSignal.Status, dealStatuses)
	}
	if r.DealSignal.Likelihood < 0 || r.DealSignal.Likelihood > 1 {
		return llm.NewValidationError("deal_signal.likelihood", "%v outside [0, 1]", r.DealSignal.Likelihood)
	}
	if len(r.Performance) == 0 {
		return llm.NewValidationError("performance", "at least one dimension required")
	}
	for i, d := range r.Performance {
		if d.Dimension == "" {
			return llm.NewValidationError(fmt.Sprintf("performance[%d].dimension", i), "required")
		}
		if d.Score < 0 || d.Score > 10 {
			return llm.NewValidationError(fmt.Sprintf("performance[%d].score", i), "%d outside [0, 10]", d.Score)
		}
	}
	if r.Narrative.Summary == "" {
		return llm.NewValidationError("narrative.summary", "required")
	}
	return nil
}

// Report is the coaching report for one call.
type Report struct {
	CallID       string           `json:"call_id"`
	OverallScore int              `json:"overall_score"`
	DealSignal   DealSignal       `json:"deal_signal"`
	Performance  []DimensionScore `json:"performance"`
	Narrative    Narrative        `json:"narrative"`
	// MissingFacets lists extraction kinds that did not contribute. It is
	// empty, never nil, when every facet succeeded.
	MissingFacets []extraction.Kind `json:"missing_facets"`
	Model         string            `json:"model,omitempty"`
	GeneratedAt   time.Time         `json:"generated_at"`
}
