// Package agent runs one structured-output model invocation under a retry and
// timeout policy. Extraction and synthesis agents are both built on Run.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/c360studio/callscore/llm"
	"github.com/c360studio/callscore/model"
)

// Status is the final disposition of an agent invocation.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusValidationFailed Status = "validation_failed"
	StatusServiceError     Status = "service_error"
	StatusTimedOut         Status = "timed_out"
)

// Retryable reports whether a later run could plausibly succeed.
func (s Status) Retryable() bool {
	return s == StatusServiceError || s == StatusTimedOut
}

// Policy bounds a single agent invocation.
type Policy struct {
	// ValidationRetries is how many extra attempts follow output that fails schema validation.
	ValidationRetries int `yaml:"validation_retries"`

	// ServiceRetries is how many extra attempts follow a transient service failure
	// or an attempt timeout. Both draw from the same budget.
	ServiceRetries int `yaml:"service_retries"`

	// BackoffBase is the wait before the first service retry.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMultiplier grows the wait on each further service retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// AttemptTimeout bounds each model call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		ValidationRetries: 1,
		ServiceRetries:    2,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		AttemptTimeout:    25 * time.Second,
	}
}

// Validate checks the policy for nonsensical values.
func (p Policy) Validate() error {
	if p.ValidationRetries < 0 || p.ServiceRetries < 0 {
		return fmt.Errorf("retry counts must be non-negative")
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive")
	}
	if p.BackoffBase < 0 {
		return fmt.Errorf("backoff base must be non-negative")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1")
	}
	return nil
}

// backoff returns the wait before service retry n (1-based).
func (p Policy) backoff(n int) time.Duration {
	return time.Duration(float64(p.BackoffBase) * math.Pow(p.BackoffMultiplier, float64(n-1)))
}

// Task is one model request for a named agent.
type Task struct {
	// Name identifies the agent in logs, metrics and llm.Request.Caller.
	Name        string
	Capability  model.Capability
	Messages    []llm.Message
	Temperature *float64
	MaxTokens   int
}

// Result describes how an invocation ended.
type Result struct {
	Status   Status
	Attempts int
	// Err is the last failure; nil on success.
	Err      error
	Model    string
	Duration time.Duration
}

// AttemptHook observes every attempt's outcome.
type AttemptHook func(name string, status Status)

// Runner executes tasks against a model client.
type Runner struct {
	client llm.Completer
	policy Policy
	logger *slog.Logger
	hook   AttemptHook
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithAttemptHook registers an observer for individual attempts.
func WithAttemptHook(hook AttemptHook) Option {
	return func(r *Runner) {
		r.hook = hook
	}
}

// NewRunner creates a Runner.
func NewRunner(client llm.Completer, policy Policy, opts ...Option) *Runner {
	r := &Runner{
		client: client,
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the runner's policy.
func (r *Runner) Policy() Policy {
	return r.policy
}

type callResult struct {
	resp *llm.Response
	err  error
}

// Run invokes the model until it yields output that decodes into T and
// validates, or the policy is exhausted. Cancellation of ctx ends the run
// immediately with StatusTimedOut.
func Run[T any, P interface {
	*T
	llm.Validatable
}](ctx context.Context, r *Runner, task Task) (*T, Result) {
	start := time.Now()
	res := Result{}

	var validationFailures, serviceFailures int
	for {
		res.Attempts++

		resp, err := r.attempt(ctx, task)
		var status Status
		var out *T
		switch {
		case ctx.Err() != nil:
			status = StatusTimedOut
			err = fmt.Errorf("%s: %w", task.Name, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			status = StatusTimedOut
			serviceFailures++
		case err != nil:
			status = StatusServiceError
			serviceFailures++
		default:
			res.Model = resp.Model
			out = new(T)
			if derr := llm.DecodeStructured(resp.Content, P(out)); derr != nil {
				status = StatusValidationFailed
				err = derr
				out = nil
				validationFailures++
			} else {
				status = StatusSuccess
			}
		}

		if r.hook != nil {
			r.hook(task.Name, status)
		}

		res.Status = status
		res.Err = err
		if status == StatusSuccess {
			res.Duration = time.Since(start)
			return out, res
		}

		if ctx.Err() != nil {
			break
		}
		if status == StatusServiceError && llm.IsFatal(err) {
			break
		}
		if serviceFailures > r.policy.ServiceRetries || validationFailures > r.policy.ValidationRetries {
			break
		}

		r.logger.Debug("Agent attempt failed, retrying",
			"agent", task.Name,
			"attempt", res.Attempts,
			"status", status,
			"error", err)

		if status != StatusValidationFailed {
			if !sleep(ctx, r.policy.backoff(serviceFailures)) {
				res.Status = StatusTimedOut
				res.Err = fmt.Errorf("%s: %w", task.Name, ctx.Err())
				break
			}
		}
	}

	res.Duration = time.Since(start)
	return nil, res
}

// attempt performs one bounded model call. A client that ignores
// cancellation is abandoned at the deadline; its result is discarded.
func (r *Runner) attempt(ctx context.Context, task Task) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		resp, err := r.client.Complete(attemptCtx, llm.Request{
			Capability:  string(task.Capability),
			Caller:      task.Name,
			Messages:    task.Messages,
			Temperature: task.Temperature,
			MaxTokens:   task.MaxTokens,
			JSONOutput:  true,
		})
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.resp == nil {
			return nil, llm.NewTransientError(errors.New("empty response"))
		}
		if res.err != nil && attemptCtx.Err() != nil {
			return nil, fmt.Errorf("attempt timed out after %s: %w", r.policy.AttemptTimeout, context.DeadlineExceeded)
		}
		return res.resp, res.err
	case <-attemptCtx.Done():
		return nil, fmt.Errorf("attempt timed out after %s: %w", r.policy.AttemptTimeout, context.DeadlineExceeded)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
