package scheduler

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// BatchWorkflowID identifies the recurring backlog run.
const BatchWorkflowID = "callscore-batch"

// Register adds the scoring workflows and activities to a worker.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflow(ScoreCallWorkflow)
	r.RegisterWorkflow(BatchScoreWorkflow)
	r.RegisterActivity(acts)
}

// StartBatchSchedule starts BatchScoreWorkflow on a cron schedule. An
// already running schedule is left in place.
func StartBatchSchedule(ctx context.Context, c client.Client, taskQueue, cron string, limit int) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           BatchWorkflowID,
		TaskQueue:    taskQueue,
		CronSchedule: cron,
	}, BatchScoreWorkflow, BatchScoreInput{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("start batch schedule: %w", err)
	}
	return run, nil
}
