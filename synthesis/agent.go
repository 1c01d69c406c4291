// Package synthesis merges extracted facets into a coaching report.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/callscore/agent"
	"github.com/c360studio/callscore/extraction"
	"github.com/c360studio/callscore/llm"
	"github.com/c360studio/callscore/model"
	"github.com/c360studio/callscore/transcript"
)

// ErrNoFacets is returned when synthesis is asked to run without any
// successful extraction.
var ErrNoFacets = errors.New("synthesis requires at least one successful facet")

// FailedError reports that no valid report could be produced.
type FailedError struct {
	CallID   string
	Status   agent.Status
	Attempts int
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("synthesis failed for call %s after %d attempts (%s): %v", e.CallID, e.Attempts, e.Status, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Retryable is true when the failure came from the model service rather
// than from invalid output.
func (e *FailedError) Retryable() bool { return e.Status.Retryable() }

// Agent produces coaching reports. It is safe for concurrent use.
type Agent struct {
	runner      *agent.Runner
	temperature *float64
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(a *Agent) {
		a.temperature = &t
	}
}

// WithClock overrides the time source for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		a.now = now
	}
}

// NewAgent creates a synthesis Agent.
func NewAgent(runner *agent.Runner, opts ...Option) *Agent {
	a := &Agent{
		runner: runner,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Synthesize builds the report from the successful facets in agg.
// MissingFacets comes from agg, never from model output.
func (a *Agent) Synthesize(ctx context.Context, agg *extraction.Aggregate, cleaned *transcript.Cleaned) (*Report, error) {
	if agg == nil || agg.SuccessCount() == 0 {
		return nil, ErrNoFacets
	}

	missing := agg.Missing()
	user, err := userPrompt(agg, missing, cleaned)
	if err != nil {
		return nil, fmt.Errorf("compose synthesis prompt: %w", err)
	}

	out, res := agent.Run[reportOutput](ctx, a.runner, agent.Task{
		Name:       "synthesis",
		Capability: model.CapabilitySynthesis,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: a.temperature,
	})
	if out == nil {
		return nil, &FailedError{CallID: agg.CallID, Status: res.Status, Attempts: res.Attempts, Err: res.Err}
	}

	a.logger.Debug("Synthesis completed",
		"call_id", agg.CallID,
		"attempts", res.Attempts,
		"missing", missing)

	return &Report{
		CallID:        agg.CallID,
		OverallScore:  out.OverallScore,
		DealSignal:    out.DealSignal,
		Performance:   out.Performance,
		Narrative:     out.Narrative,
		MissingFacets: missing,
		Model:         res.Model,
		GeneratedAt:   a.now().UTC(),
	}, nil
}

const systemPrompt = `You are a sales coach writing a coaching report for one recorded sales call.
You receive structured facets extracted from the call and the transcript itself.

Produce:
- overall_score: 0-100 rating of the rep's performance on this call
- deal_signal: status (advancing, stalled, at_risk or lost), likelihood of closing (0-1) and a one-sentence rationale
- performance: per-dimension scores (0-10) with short evidence
- narrative: a summary, strengths, improvements and concrete coaching tips

Ground every claim in the facets or the transcript.

Respond with one JSON object shaped like this example:

` + exampleReport + "\n"

const exampleReport = `{"overall_score": 72, "deal_signal": {"status": "advancing", "likelihood": 0.6, "rationale": "Prospect agreed to a technical review with IT"}, "performance": [{"dimension": "discovery", "score": 8, "evidence": "Uncovered the Monday dispatch bottleneck"}], "narrative": {"summary": "Solid discovery call with a clear next step.", "strengths": ["patient questioning"], "improvements": ["confirm the decision process"], "coaching_tips": ["Ask who else signs off before proposing pricing"]}}`

// Example returns a well-formed sample of the model's report output.
func Example() string {
	return exampleReport
}

func userPrompt(agg *extraction.Aggregate, missing []extraction.Kind, cleaned *transcript.Cleaned) (string, error) {
	var sb strings.Builder

	sb.WriteString("## Extracted facets\n")
	for _, o := range agg.Successful() {
		data, err := json.MarshalIndent(o.Payload, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode %s facet: %w", o.Kind, err)
		}
		fmt.Fprintf(&sb, "\n### %s\n\n%s\n", o.Kind.Title(), data)
	}

	if len(missing) > 0 {
		titles := make([]string, len(missing))
		for i, k := range missing {
			titles[i] = k.Title()
		}
		sb.WriteString("\n## Omitted facets\n\n")
		fmt.Fprintf(&sb, "The following facets could not be extracted: %s.\n", strings.Join(titles, ", "))
		sb.WriteString("Do not draw conclusions about these areas. State in the summary that they were not assessed.\n")
	}

	sb.WriteString("\n## Transcript\n\n")
	sb.WriteString(cleaned.Render())
	return sb.String(), nil
}
