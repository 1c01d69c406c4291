// Package scheduler runs call scoring on Temporal: one workflow per call and
// a batch workflow that drains the backlog, usually on a cron schedule.
package scheduler

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Activity names as registered from *Activities.
const (
	ListBacklogActivity = "ListBacklog"
	ScoreCallActivity   = "ScoreCall"
)

// DefaultBacklogLimit caps one batch run when the input leaves it unset.
const DefaultBacklogLimit = 100

// The activity timeout must exceed the pipeline's outer budget.
var scoreActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 5 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    30 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Minute,
		MaximumAttempts:    3,
	},
}

var backlogActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

// ScoreCallInput is the input for ScoreCallWorkflow.
type ScoreCallInput struct {
	CallID string `json:"callId"`
}

// ScoreCallOutput summarizes a completed scoring job.
type ScoreCallOutput struct {
	CallID        string   `json:"callId"`
	JobID         string   `json:"jobId"`
	State         string   `json:"state"`
	OverallScore  int      `json:"overallScore"`
	MissingFacets []string `json:"missingFacets,omitempty"`
}

// BatchScoreInput is the input for BatchScoreWorkflow.
type BatchScoreInput struct {
	Limit int `json:"limit,omitempty"`
}

// BatchScoreOutput reports which calls a batch run scored.
type BatchScoreOutput struct {
	Scheduled int      `json:"scheduled"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
}

// ScoreCallWorkflow scores one call. Each call runs in its own workflow so
// executions stay isolated and individually retryable.
func ScoreCallWorkflow(ctx workflow.Context, input ScoreCallInput) (*ScoreCallOutput, error) {
	if input.CallID == "" {
		return nil, temporal.NewNonRetryableApplicationError("callId required", "INVALID_INPUT", nil)
	}
	actCtx := workflow.WithActivityOptions(ctx, scoreActivityOptions)

	var out ScoreCallOutput
	if err := workflow.ExecuteActivity(actCtx, ScoreCallActivity, input).Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChildWorkflowID is the workflow ID used for a call's scoring run. Reusing
// it keeps two batches from scoring the same call at once.
func ChildWorkflowID(callID string) string {
	return "score-" + callID
}

// BatchScoreWorkflow lists the backlog and scores each call in a child
// workflow. A failed call never fails the batch.
func BatchScoreWorkflow(ctx workflow.Context, input BatchScoreInput) (*BatchScoreOutput, error) {
	logger := workflow.GetLogger(ctx)

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultBacklogLimit
	}

	var callIDs []string
	actCtx := workflow.WithActivityOptions(ctx, backlogActivityOptions)
	if err := workflow.ExecuteActivity(actCtx, ListBacklogActivity, limit).Get(ctx, &callIDs); err != nil {
		return nil, err
	}

	futures := make([]workflow.ChildWorkflowFuture, len(callIDs))
	for i, id := range callIDs {
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: ChildWorkflowID(id),
		})
		futures[i] = workflow.ExecuteChildWorkflow(childCtx, ScoreCallWorkflow, ScoreCallInput{CallID: id})
	}

	out := &BatchScoreOutput{
		Scheduled: len(callIDs),
		Completed: []string{},
		Failed:    []string{},
	}
	for i, f := range futures {
		var res ScoreCallOutput
		if err := f.Get(ctx, &res); err != nil {
			logger.Warn("call scoring failed", "callId", callIDs[i], "error", err)
			out.Failed = append(out.Failed, callIDs[i])
			continue
		}
		out.Completed = append(out.Completed, callIDs[i])
	}

	logger.Info("batch scoring finished", "scheduled", out.Scheduled, "completed", len(out.Completed), "failed", len(out.Failed))
	return out, nil
}
