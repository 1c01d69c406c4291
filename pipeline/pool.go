package pipeline

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Scorer runs one scoring job.
type Scorer interface {
	ScoreCall(ctx context.Context, req Request) (*Result, error)
}

// Pool bounds how many jobs run at once. Jobs share nothing but the
// scorer's collaborators.
type Pool struct {
	scorer Scorer
	sem    *semaphore.Weighted
}

// NewPool creates a Pool running at most maxConcurrent jobs.
func NewPool(scorer Scorer, maxConcurrent int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{
		scorer: scorer,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Submit schedules req and returns a channel that yields its result exactly
// once. If ctx ends while the job waits for a slot, the job still runs with
// the dead context and reports timed_out.
func (p *Pool) Submit(ctx context.Context, req Request) <-chan *Result {
	out := make(chan *Result, 1)
	go func() {
		if err := p.sem.Acquire(ctx, 1); err == nil {
			defer p.sem.Release(1)
		}
		res, _ := p.scorer.ScoreCall(ctx, req)
		out <- res
	}()
	return out
}

// ScoreBatch scores reqs concurrently and returns results in request order.
func (p *Pool) ScoreBatch(ctx context.Context, reqs []Request) []*Result {
	pending := make([]<-chan *Result, len(reqs))
	for i, req := range reqs {
		pending[i] = p.Submit(ctx, req)
	}
	results := make([]*Result, len(reqs))
	for i, ch := range pending {
		results[i] = <-ch
	}
	return results
}
