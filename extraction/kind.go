package extraction

// Kind identifies one of the fixed extraction agents.
type Kind string

const (
	KindPainPoint           Kind = "pain-point"
	KindObjection           Kind = "objection"
	KindEngagementScore     Kind = "engagement-score"
	KindNextSteps           Kind = "next-steps"
	KindCallStructureReview Kind = "call-structure-review"
	KindRepTechnique        Kind = "rep-technique"
)

// AllKinds returns every kind in canonical order.
func AllKinds() []Kind {
	return []Kind{
		KindPainPoint,
		KindObjection,
		KindEngagementScore,
		KindNextSteps,
		KindCallStructureReview,
		KindRepTechnique,
	}
}

// Schema returns the identifier of the kind's output schema.
func (k Kind) Schema() string {
	return string(k) + "/v1"
}

// IsValid reports whether k is one of the fixed kinds.
func (k Kind) IsValid() bool {
	_, ok := definitions[k]
	return ok
}

// Title is the human-readable facet name used in prompts.
func (k Kind) Title() string {
	if d, ok := definitions[k]; ok {
		return d.title
	}
	return string(k)
}

// Example returns a well-formed sample output for the kind.
func (k Kind) Example() string {
	return definitions[k].example
}
