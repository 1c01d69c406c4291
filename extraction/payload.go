package extraction

import (
	"fmt"
	"slices"

	"github.com/c360studio/callscore/llm"
)

// Payload is a validated extraction result.
type Payload interface {
	llm.Validatable
	Kind() Kind
}

var (
	severities     = []string{"low", "medium", "high"}
	objectionTypes = []string{"price", "timing", "authority", "need", "competition", "other"}
	sentiments     = []string{"positive", "neutral", "negative"}
	owners         = []string{"rep", "prospect", "both"}
)

func oneOf(field, value string, allowed []string) error {
	if !slices.Contains(allowed, value) {
		return llm.NewValidationError(field, "%q is not one of %v", value, allowed)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return llm.NewValidationError(field, "required")
	}
	return nil
}

// listPresent rejects a list field the response left out. An explicit empty
// list decodes to a non-nil slice and is accepted.
func listPresent[E any](field string, items []E) error {
	if items == nil {
		return llm.NewValidationError(field, "required, use [] when there are none")
	}
	return nil
}

func inRange(field string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return llm.NewValidationError(field, "%v outside [%v, %v]", v, lo, hi)
	}
	return nil
}

// PainPoint is a business problem the prospect described.
type PainPoint struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Quote       string `json:"quote,omitempty"`
}

// PainPoints is the pain-point facet.
type PainPoints struct {
	Items []PainPoint `json:"items"`
}

func (*PainPoints) Kind() Kind { return KindPainPoint }

func (p *PainPoints) Validate() error {
	if err := listPresent("items", p.Items); err != nil {
		return err
	}
	for i, it := range p.Items {
		if err := required(fmt.Sprintf("items[%d].description", i), it.Description); err != nil {
			return err
		}
		if err := oneOf(fmt.Sprintf("items[%d].severity", i), it.Severity, severities); err != nil {
			return err
		}
	}
	return nil
}

// Objection is a concern raised by the prospect and how the rep handled it.
type Objection struct {
	Category    string `json:"category"`
	Statement   string `json:"statement"`
	RepResponse string `json:"rep_response,omitempty"`
	Resolved    bool   `json:"resolved"`
}

// Objections is the objection facet.
type Objections struct {
	Items []Objection `json:"items"`
}

func (*Objections) Kind() Kind { return KindObjection }

func (o *Objections) Validate() error {
	if err := listPresent("items", o.Items); err != nil {
		return err
	}
	for i, it := range o.Items {
		if err := oneOf(fmt.Sprintf("items[%d].category", i), it.Category, objectionTypes); err != nil {
			return err
		}
		if err := required(fmt.Sprintf("items[%d].statement", i), it.Statement); err != nil {
			return err
		}
	}
	return nil
}

// Engagement is the engagement-score facet.
type Engagement struct {
	Score             int      `json:"score"`
	ProspectTalkRatio float64  `json:"prospect_talk_ratio"`
	QuestionsAsked    int      `json:"questions_asked"`
	Sentiment         string   `json:"sentiment"`
	Evidence          []string `json:"evidence,omitempty"`
}

func (*Engagement) Kind() Kind { return KindEngagementScore }

func (e *Engagement) Validate() error {
	if err := inRange("score", float64(e.Score), 0, 100); err != nil {
		return err
	}
	if err := inRange("prospect_talk_ratio", e.ProspectTalkRatio, 0, 1); err != nil {
		return err
	}
	if e.QuestionsAsked < 0 {
		return llm.NewValidationError("questions_asked", "must be non-negative")
	}
	return oneOf("sentiment", e.Sentiment, sentiments)
}

// NextStep is an agreed follow-up action.
type NextStep struct {
	Action  string `json:"action"`
	Owner   string `json:"owner"`
	DueDate string `json:"due_date,omitempty"`
}

// NextSteps is the next-steps facet.
type NextSteps struct {
	Items []NextStep `json:"items"`
	// Committed is true when the prospect explicitly agreed to a dated next meeting.
	Committed bool `json:"committed"`
}

func (*NextSteps) Kind() Kind { return KindNextSteps }

func (n *NextSteps) Validate() error {
	if err := listPresent("items", n.Items); err != nil {
		return err
	}
	for i, it := range n.Items {
		if err := required(fmt.Sprintf("items[%d].action", i), it.Action); err != nil {
			return err
		}
		if err := oneOf(fmt.Sprintf("items[%d].owner", i), it.Owner, owners); err != nil {
			return err
		}
	}
	return nil
}

// Phase is one conventional stage of a sales call.
type Phase struct {
	Name    string `json:"name"`
	Covered bool   `json:"covered"`
	Notes   string `json:"notes,omitempty"`
}

// CallStructure is the call-structure-review facet.
type CallStructure struct {
	Phases          []Phase `json:"phases"`
	AgendaSet       bool    `json:"agenda_set"`
	ClosedWithRecap bool    `json:"closed_with_recap"`
	Score           int     `json:"score"`
}

func (*CallStructure) Kind() Kind { return KindCallStructureReview }

func (c *CallStructure) Validate() error {
	if len(c.Phases) == 0 {
		return llm.NewValidationError("phases", "at least one phase required")
	}
	for i, p := range c.Phases {
		if err := required(fmt.Sprintf("phases[%d].name", i), p.Name); err != nil {
			return err
		}
	}
	return inRange("score", float64(c.Score), 0, 100)
}

// TechniqueScore rates one selling skill on a 1-5 scale.
type TechniqueScore struct {
	Skill    string `json:"skill"`
	Score    int    `json:"score"`
	Evidence string `json:"evidence,omitempty"`
}

// RepTechnique is the rep-technique facet.
type RepTechnique struct {
	Skills    []TechniqueScore `json:"skills"`
	Strengths []string         `json:"strengths"`
	Gaps      []string         `json:"gaps"`
}

func (*RepTechnique) Kind() Kind { return KindRepTechnique }

func (r *RepTechnique) Validate() error {
	if len(r.Skills) == 0 {
		return llm.NewValidationError("skills", "at least one skill required")
	}
	for i, s := range r.Skills {
		if err := required(fmt.Sprintf("skills[%d].skill", i), s.Skill); err != nil {
			return err
		}
		if err := inRange(fmt.Sprintf("skills[%d].score", i), float64(s.Score), 1, 5); err != nil {
			return err
		}
	}
	return nil
}
