// Package pipeline drives one scoring job through cleaning, context loading,
// extraction and synthesis under an outer time budget.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/callscore/contextloader"
	"github.com/c360studio/callscore/extraction"
	"github.com/c360studio/callscore/metrics"
	"github.com/c360studio/callscore/synthesis"
	"github.com/c360studio/callscore/transcript"
)

// DefaultOuterBudget bounds a job from queued to terminal.
const DefaultOuterBudget = 120 * time.Second

// ContextResolver produces the prompt context for a call.
type ContextResolver interface {
	Resolve(ctx context.Context, callID string, refs contextloader.Refs) (*contextloader.Bundle, error)
}

// Extractor runs the extraction agents.
type Extractor interface {
	Extract(ctx context.Context, cleaned *transcript.Cleaned, bundle *contextloader.Bundle) (*extraction.Aggregate, error)
}

// Synthesizer turns extracted facets into a report.
type Synthesizer interface {
	Synthesize(ctx context.Context, agg *extraction.Aggregate, cleaned *transcript.Cleaned) (*synthesis.Report, error)
}

// Request asks for one call to be scored.
type Request struct {
	CallID     string             `json:"call_id"`
	Transcript transcript.Raw     `json:"transcript"`
	Refs       contextloader.Refs `json:"refs"`
}

// Result is returned for every job, successful or not. Job is always set and
// terminal; Aggregate is set once extraction finished; Report only on success.
type Result struct {
	Job       *Job                  `json:"job"`
	Aggregate *extraction.Aggregate `json:"aggregate,omitempty"`
	Report    *synthesis.Report     `json:"report,omitempty"`
}

// TimedOutError reports a job that exceeded its outer budget.
type TimedOutError struct {
	CallID string
	State  State
	Budget time.Duration
	Err    error
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("call %s exceeded %s budget while %s: %v", e.CallID, e.Budget, e.State, e.Err)
}

func (e *TimedOutError) Unwrap() error { return e.Err }

// Retryable is always true: a later run may finish in time.
func (e *TimedOutError) Retryable() bool { return true }

// Coordinator runs scoring jobs. It holds no per-job state, so one
// Coordinator serves any number of concurrent jobs.
type Coordinator struct {
	loader      ContextResolver
	extractor   Extractor
	synthesizer Synthesizer
	budget      time.Duration
	metrics     *metrics.Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOuterBudget sets the per-job time budget.
func WithOuterBudget(d time.Duration) Option {
	return func(c *Coordinator) {
		c.budget = d
	}
}

// WithMetrics records job metrics.
func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Coordinator) {
		c.metrics = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock overrides the clock used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(loader ContextResolver, extractor Extractor, synthesizer Synthesizer, opts ...Option) *Coordinator {
	c := &Coordinator{
		loader:      loader,
		extractor:   extractor,
		synthesizer: synthesizer,
		budget:      DefaultOuterBudget,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ScoreCall runs one job to a terminal state. The returned error mirrors
// Job.Err; the Result is never nil.
func (c *Coordinator) ScoreCall(ctx context.Context, req Request) (*Result, error) {
	job := newJob(req.CallID, c.now())
	res := &Result{Job: job}

	c.metrics.JobStarted()
	defer func() {
		c.metrics.JobFinished(string(job.State), job.Duration())
		c.logger.Info("Scoring job finished",
			"call_id", job.CallID,
			"job_id", job.ID,
			"state", job.State,
			"duration", job.Duration(),
			"retryable", job.Retryable)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	raw := req.Transcript
	if raw.CallID == "" {
		raw.CallID = req.CallID
	}
	if req.CallID == "" || raw.CallID != req.CallID {
		reason := "missing call id"
		if req.CallID != "" {
			reason = fmt.Sprintf("transcript belongs to call %s", raw.CallID)
		}
		return res, c.fail(job, StateMalformedInput, &transcript.MalformedInputError{CallID: req.CallID, Reason: reason})
	}

	if err := ctx.Err(); err != nil {
		return res, c.timedOut(job, err)
	}

	cleaned, bundle, err := c.prepare(ctx, job, raw, req.Refs)
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, c.timedOut(job, err)
	}

	c.advance(job, StateExtracting)
	agg, err := await(ctx, func() (*extraction.Aggregate, error) {
		return c.extractor.Extract(ctx, cleaned, bundle)
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, c.timedOut(job, ctx.Err())
		}
		return res, c.fail(job, StateExtractionExhausted, err)
	}
	res.Aggregate = agg
	if err := ctx.Err(); err != nil {
		return res, c.timedOut(job, err)
	}

	c.advance(job, StateSynthesizing)
	report, err := await(ctx, func() (*synthesis.Report, error) {
		return c.synthesizer.Synthesize(ctx, agg, cleaned)
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, c.timedOut(job, ctx.Err())
		}
		return res, c.fail(job, StateSynthesisFailed, err)
	}
	res.Report = report

	c.advance(job, StateCompleted)
	return res, nil
}

// prepare cleans the transcript and resolves context concurrently. The job
// stays in context_loading until context resolves, then waits in cleaning
// for the transcript.
func (c *Coordinator) prepare(ctx context.Context, job *Job, raw transcript.Raw, refs contextloader.Refs) (*transcript.Cleaned, *contextloader.Bundle, error) {
	c.advance(job, StateContextLoading)

	var (
		cleaned *transcript.Cleaned
		bundle  *contextloader.Bundle
		loadErr error
	)
	loaded := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cleaned, err = transcript.Clean(raw)
		return err
	})
	g.Go(func() error {
		defer close(loaded)
		bundle, loadErr = c.loader.Resolve(gctx, raw.CallID, refs)
		return loadErr
	})

	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()

	select {
	case <-ctx.Done():
		return nil, nil, c.timedOut(job, ctx.Err())
	case <-loaded:
	}
	if loadErr == nil {
		c.advance(job, StateCleaning)
	}

	var err error
	select {
	case <-ctx.Done():
		return nil, nil, c.timedOut(job, ctx.Err())
	case err = <-waited:
	}
	if err == nil {
		return cleaned, bundle, nil
	}

	var malformed *transcript.MalformedInputError
	var unavailable *contextloader.ContextUnavailableError
	switch {
	case errors.As(err, &malformed):
		return nil, nil, c.fail(job, StateMalformedInput, err)
	case ctx.Err() != nil:
		return nil, nil, c.timedOut(job, ctx.Err())
	case errors.As(err, &unavailable):
		return nil, nil, c.fail(job, StateContextFailed, err)
	default:
		return nil, nil, c.fail(job, StateContextFailed, &contextloader.ContextUnavailableError{CallID: raw.CallID, Reason: "resolve", Err: err})
	}
}

func (c *Coordinator) advance(job *Job, to State) {
	if err := job.transition(to, c.now()); err != nil {
		// The transition table and ScoreCall are out of sync.
		panic(err)
	}
	c.logger.Debug("Scoring job advanced", "call_id", job.CallID, "job_id", job.ID, "state", to)
}

func (c *Coordinator) fail(job *Job, to State, err error) error {
	if terr := job.fail(to, err, c.now()); terr != nil {
		panic(terr)
	}
	return err
}

func (c *Coordinator) timedOut(job *Job, cause error) error {
	return c.fail(job, StateTimedOut, &TimedOutError{
		CallID: job.CallID,
		State:  job.State,
		Budget: c.budget,
		Err:    cause,
	})
}

type outcome[T any] struct {
	val T
	err error
}

// await runs fn and returns its result, or ctx's error as soon as ctx is
// done. A collaborator that ignores cancellation is abandoned.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn()
		done <- outcome[T]{val: v, err: err}
	}()
	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
