package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/c360studio/callscore/extraction"
	"github.com/c360studio/callscore/pipeline"
	"github.com/c360studio/callscore/synthesis"
	"github.com/c360studio/callscore/transcript"
)

type memoryCalls struct {
	backlog []string
}

func (m *memoryCalls) ListBacklog(_ context.Context, limit int) ([]string, error) {
	if len(m.backlog) > limit {
		return m.backlog[:limit], nil
	}
	return m.backlog, nil
}

func (m *memoryCalls) LoadRequest(_ context.Context, callID string) (*pipeline.Request, error) {
	if callID == "missing" {
		return nil, errors.New("call missing not found")
	}
	return &pipeline.Request{CallID: callID}, nil
}

type memorySink struct {
	mu    sync.Mutex
	saved []*pipeline.Result
}

func (m *memorySink) SaveResult(_ context.Context, res *pipeline.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, res)
	return nil
}

func (m *memorySink) states() map[string]pipeline.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]pipeline.State{}
	for _, r := range m.saved {
		out[r.Job.CallID] = r.Job.State
	}
	return out
}

// scriptedScorer ends each call in the state scripted for it, popping one
// state per attempt. Unscripted calls complete.
type scriptedScorer struct {
	mu     sync.Mutex
	script map[string][]pipeline.State
	calls  map[string]int
}

func (s *scriptedScorer) ScoreCall(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[req.CallID]++

	state := pipeline.StateCompleted
	if queue := s.script[req.CallID]; len(queue) > 0 {
		state, s.script[req.CallID] = queue[0], queue[1:]
	}

	job := &pipeline.Job{ID: "job-" + req.CallID, CallID: req.CallID, State: state}
	switch state {
	case pipeline.StateCompleted:
		return &pipeline.Result{Job: job, Report: &synthesis.Report{
			CallID:        req.CallID,
			OverallScore:  81,
			MissingFacets: []extraction.Kind{extraction.KindObjection},
		}}, nil
	case pipeline.StateTimedOut:
		job.Retryable = true
		err := &pipeline.TimedOutError{CallID: req.CallID, State: pipeline.StateExtracting}
		job.Err, job.Error = err, err.Error()
		return &pipeline.Result{Job: job}, err
	default:
		err := &transcript.MalformedInputError{CallID: req.CallID, Reason: "no utterances"}
		job.Err, job.Error = err, err.Error()
		return &pipeline.Result{Job: job}, err
	}
}

func (s *scriptedScorer) attempts(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callID]
}

func newEnv(t *testing.T, acts *Activities) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(ScoreCallWorkflow)
	env.RegisterWorkflow(BatchScoreWorkflow)
	env.RegisterActivity(acts)
	return env
}

func TestScoreCallWorkflow_Completed(t *testing.T) {
	sink := &memorySink{}
	env := newEnv(t, NewActivities(&scriptedScorer{}, &memoryCalls{}, sink))

	env.ExecuteWorkflow(ScoreCallWorkflow, ScoreCallInput{CallID: "call-1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out ScoreCallOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, "call-1", out.CallID)
	assert.Equal(t, "completed", out.State)
	assert.Equal(t, 81, out.OverallScore)
	assert.Equal(t, []string{"objection"}, out.MissingFacets)
	assert.Equal(t, map[string]pipeline.State{"call-1": pipeline.StateCompleted}, sink.states())
}

func TestScoreCallWorkflow_RetryableFailure(t *testing.T) {
	scorer := &scriptedScorer{script: map[string][]pipeline.State{
		"call-2": {pipeline.StateTimedOut},
	}}
	sink := &memorySink{}
	env := newEnv(t, NewActivities(scorer, &memoryCalls{}, sink))

	env.ExecuteWorkflow(ScoreCallWorkflow, ScoreCallInput{CallID: "call-2"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 2, scorer.attempts("call-2"))
	assert.Len(t, sink.saved, 2, "every attempt's outcome is recorded")
}

func TestScoreCallWorkflow_NonRetryableFailure(t *testing.T) {
	scorer := &scriptedScorer{script: map[string][]pipeline.State{
		"call-3": {pipeline.StateMalformedInput},
	}}
	env := newEnv(t, NewActivities(scorer, &memoryCalls{}, &memorySink{}))

	env.ExecuteWorkflow(ScoreCallWorkflow, ScoreCallInput{CallID: "call-3"})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, string(pipeline.StateMalformedInput), appErr.Type())
	assert.Equal(t, 1, scorer.attempts("call-3"))
}

func TestScoreCallWorkflow_MissingCallID(t *testing.T) {
	env := newEnv(t, NewActivities(&scriptedScorer{}, &memoryCalls{}, &memorySink{}))

	env.ExecuteWorkflow(ScoreCallWorkflow, ScoreCallInput{})

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
}

func TestBatchScoreWorkflow(t *testing.T) {
	scorer := &scriptedScorer{script: map[string][]pipeline.State{
		"call-bad": {pipeline.StateMalformedInput},
	}}
	calls := &memoryCalls{backlog: []string{"call-a", "call-bad", "call-b", "call-overflow"}}
	sink := &memorySink{}
	env := newEnv(t, NewActivities(scorer, calls, sink))

	env.ExecuteWorkflow(BatchScoreWorkflow, BatchScoreInput{Limit: 3})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out BatchScoreOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 3, out.Scheduled)
	assert.Equal(t, []string{"call-a", "call-b"}, out.Completed)
	assert.Equal(t, []string{"call-bad"}, out.Failed)
	assert.Zero(t, scorer.attempts("call-overflow"))

	assert.Equal(t, map[string]pipeline.State{
		"call-a":   pipeline.StateCompleted,
		"call-bad": pipeline.StateMalformedInput,
		"call-b":   pipeline.StateCompleted,
	}, sink.states())
}

func TestChildWorkflowID(t *testing.T) {
	assert.Equal(t, "score-call-9", ChildWorkflowID("call-9"))
}

func TestScoreCallWorkflow_LoadFailure(t *testing.T) {
	scorer := &scriptedScorer{}
	sink := &memorySink{}
	env := newEnv(t, NewActivities(scorer, &memoryCalls{}, sink))

	env.ExecuteWorkflow(ScoreCallWorkflow, ScoreCallInput{CallID: "missing"})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Zero(t, scorer.attempts("missing"))
	assert.Empty(t, sink.saved)
}
