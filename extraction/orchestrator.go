// Package extraction runs the six facet extraction agents for a call
// concurrently and joins their outcomes.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/callscore/agent"
	"github.com/c360studio/callscore/contextloader"
	"github.com/c360studio/callscore/llm"
	"github.com/c360studio/callscore/model"
	"github.com/c360studio/callscore/transcript"
)

// Input is shared, read-only, by every task of a call.
type Input struct {
	Transcript *transcript.Cleaned
	Context    *contextloader.Bundle
}

// Task is one agent's unit of work.
type Task struct {
	Kind   Kind
	Schema string
	Input  Input
}

// Outcome is the terminal result of one task.
type Outcome struct {
	Kind     Kind          `json:"kind"`
	Status   agent.Status  `json:"status"`
	Payload  Payload       `json:"payload,omitempty"`
	Attempts int           `json:"attempts"`
	Model    string        `json:"model,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// Aggregate holds at most one outcome per kind.
type Aggregate struct {
	CallID   string            `json:"call_id"`
	Outcomes map[Kind]*Outcome `json:"outcomes"`
}

// SuccessCount returns the number of successful outcomes.
func (a *Aggregate) SuccessCount() int {
	n := 0
	for _, o := range a.Outcomes {
		if o.Status == agent.StatusSuccess {
			n++
		}
	}
	return n
}

// Successful returns successful outcomes in canonical kind order.
func (a *Aggregate) Successful() []*Outcome {
	var out []*Outcome
	for _, k := range AllKinds() {
		if o, ok := a.Outcomes[k]; ok && o.Status == agent.StatusSuccess {
			out = append(out, o)
		}
	}
	return out
}

// Missing returns the kinds without a successful outcome, in canonical order.
// The result is never nil.
func (a *Aggregate) Missing() []Kind {
	missing := []Kind{}
	for _, k := range AllKinds() {
		if o, ok := a.Outcomes[k]; !ok || o.Status != agent.StatusSuccess {
			missing = append(missing, k)
		}
	}
	return missing
}

// ExhaustedError reports that no extraction produced a usable facet.
type ExhaustedError struct {
	CallID   string
	Outcomes map[Kind]*Outcome
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Outcomes))
	for _, k := range AllKinds() {
		if o, ok := e.Outcomes[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", k, o.Status))
		}
	}
	return fmt.Sprintf("extraction exhausted for call %s: %s", e.CallID, strings.Join(parts, ", "))
}

// Retryable is true when any task failed for service reasons rather than
// producing invalid output.
func (e *ExhaustedError) Retryable() bool {
	for _, o := range e.Outcomes {
		if o.Status.Retryable() {
			return true
		}
	}
	return false
}

// Orchestrator fans out extraction tasks. It holds no per-call state and is
// safe for concurrent use.
type Orchestrator struct {
	runner      *agent.Runner
	kinds       []Kind
	temperature *float64
	logger      *slog.Logger
	onOutcome   func(*Outcome)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithTemperature sets the sampling temperature for extraction requests.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) {
		o.temperature = &t
	}
}

// WithOutcomeHook observes each joined outcome.
func WithOutcomeHook(fn func(*Outcome)) Option {
	return func(o *Orchestrator) {
		o.onOutcome = fn
	}
}

// NewOrchestrator creates an Orchestrator running every kind.
func NewOrchestrator(runner *agent.Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner: runner,
		kinds:  AllKinds(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Extract runs every task concurrently and waits for all of them. A failing
// task never cancels its siblings. If ctx ends first, Extract returns at once
// and results still in flight are discarded.
func (o *Orchestrator) Extract(ctx context.Context, cleaned *transcript.Cleaned, bundle *contextloader.Bundle) (*Aggregate, error) {
	in := Input{Transcript: cleaned, Context: bundle}

	results := make(chan *Outcome, len(o.kinds))
	for _, kind := range o.kinds {
		task := Task{Kind: kind, Schema: kind.Schema(), Input: in}
		go func() {
			results <- o.runTask(ctx, task)
		}()
	}

	agg := &Aggregate{
		CallID:   cleaned.CallID,
		Outcomes: make(map[Kind]*Outcome, len(o.kinds)),
	}
	for range o.kinds {
		select {
		case out := <-results:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("extraction for call %s abandoned: %w", agg.CallID, ctx.Err())
			}
			if _, dup := agg.Outcomes[out.Kind]; dup {
				o.logger.Error("Duplicate extraction outcome ignored", "call_id", agg.CallID, "kind", out.Kind)
				continue
			}
			agg.Outcomes[out.Kind] = out
			if o.onOutcome != nil {
				o.onOutcome(out)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("extraction for call %s abandoned: %w", agg.CallID, ctx.Err())
		}
	}

	if agg.SuccessCount() == 0 {
		return nil, &ExhaustedError{CallID: agg.CallID, Outcomes: agg.Outcomes}
	}

	if missing := agg.Missing(); len(missing) > 0 {
		o.logger.Warn("Extraction completed with missing facets",
			"call_id", agg.CallID, "missing", missing)
	}
	return agg, nil
}

func (o *Orchestrator) runTask(ctx context.Context, task Task) *Outcome {
	d := definitions[task.Kind]
	payload, res := d.run(ctx, o.runner, agent.Task{
		Name:       string(task.Kind),
		Capability: model.CapabilityExtraction,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt(d)},
			{Role: "user", Content: userPrompt(task.Input)},
		},
		Temperature: o.temperature,
	})

	out := &Outcome{
		Kind:     task.Kind,
		Status:   res.Status,
		Payload:  payload,
		Attempts: res.Attempts,
		Model:    res.Model,
		Duration: res.Duration,
		Err:      res.Err,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
		o.logger.Debug("Extraction task failed",
			"call_id", task.Input.Transcript.CallID,
			"kind", task.Kind,
			"status", res.Status,
			"attempts", res.Attempts,
			"error", res.Err)
	}
	return out
}
