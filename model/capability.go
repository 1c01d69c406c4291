// Package model routes scoring agents to model endpoints. An agent asks for
// a capability and the registry answers with an ordered chain of endpoint
// names, leaving out endpoints whose breaker is open.
package model

// Capability names the kind of work a model call does.
type Capability string

const (
	// CapabilityExtraction is for the per-facet extraction agents: short,
	// schema-bound outputs over a full transcript.
	CapabilityExtraction Capability = "extraction"

	// CapabilitySynthesis is for merging extracted facets into a coaching report.
	CapabilitySynthesis Capability = "synthesis"
)

// Capabilities lists every capability the scoring pipeline asks for.
func Capabilities() []Capability {
	return []Capability{CapabilityExtraction, CapabilitySynthesis}
}

func (c Capability) known() bool {
	return c == CapabilityExtraction || c == CapabilitySynthesis
}
