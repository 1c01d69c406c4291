package scheduler

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/c360studio/callscore/pipeline"
)

// CallSource supplies stored calls awaiting a score.
type CallSource interface {
	ListBacklog(ctx context.Context, limit int) ([]string, error)
	LoadRequest(ctx context.Context, callID string) (*pipeline.Request, error)
}

// ResultSink persists scoring outcomes.
type ResultSink interface {
	SaveResult(ctx context.Context, res *pipeline.Result) error
}

// Activities are the scoring steps run on a worker.
type Activities struct {
	scorer pipeline.Scorer
	calls  CallSource
	sink   ResultSink
}

// NewActivities creates the activity set.
func NewActivities(scorer pipeline.Scorer, calls CallSource, sink ResultSink) *Activities {
	return &Activities{scorer: scorer, calls: calls, sink: sink}
}

// ListBacklog returns up to limit call IDs that need scoring.
func (a *Activities) ListBacklog(ctx context.Context, limit int) ([]string, error) {
	ids, err := a.calls.ListBacklog(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	activity.GetLogger(ctx).Info("backlog listed", "calls", len(ids), "limit", limit)
	return ids, nil
}

// ScoreCall loads one call, scores it and records the outcome whatever it
// is. Failures the job marks retryable come back as retryable application
// errors; data problems are non-retryable.
func (a *Activities) ScoreCall(ctx context.Context, input ScoreCallInput) (*ScoreCallOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("scoring call", "callId", input.CallID)

	req, err := a.calls.LoadRequest(ctx, input.CallID)
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", input.CallID, err)
	}

	res, scoreErr := a.scorer.ScoreCall(ctx, *req)
	if res == nil || res.Job == nil {
		return nil, fmt.Errorf("scorer returned no job for call %s: %w", input.CallID, scoreErr)
	}
	if err := a.sink.SaveResult(ctx, res); err != nil {
		return nil, fmt.Errorf("save result for call %s: %w", input.CallID, err)
	}

	job := res.Job
	if scoreErr != nil {
		logger.Warn("scoring failed", "callId", input.CallID, "state", job.State, "retryable", job.Retryable, "error", scoreErr)
		msg := fmt.Sprintf("call %s ended %s", input.CallID, job.State)
		if job.Retryable {
			return nil, temporal.NewApplicationErrorWithCause(msg, string(job.State), scoreErr)
		}
		return nil, temporal.NewNonRetryableApplicationError(msg, string(job.State), scoreErr)
	}

	out := &ScoreCallOutput{
		CallID: input.CallID,
		JobID:  job.ID,
		State:  string(job.State),
	}
	if res.Report != nil {
		out.OverallScore = res.Report.OverallScore
		for _, k := range res.Report.MissingFacets {
			out.MissingFacets = append(out.MissingFacets, string(k))
		}
	}
	logger.Info("call scored", "callId", input.CallID, "score", out.OverallScore, "missing", out.MissingFacets)
	return out, nil
}
