package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/callscore/llm"
	"github.com/c360studio/callscore/llm/testutil"
	"github.com/c360studio/callscore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Label string `json:"label"`
}

func (v *verdict) Validate() error {
	if v.Label == "" {
		return llm.NewValidationError("label", "required")
	}
	return nil
}

func fastPolicy() Policy {
	return Policy{
		ValidationRetries: 1,
		ServiceRetries:    2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		AttemptTimeout:    50 * time.Millisecond,
	}
}

func testTask() Task {
	return Task{
		Name:       "objection",
		Capability: model.CapabilityExtraction,
		Messages:   []llm.Message{{Role: "user", Content: "transcript"}},
	}
}

func TestRun_Success(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: `{"label": "price"}`, Model: "m1"}}}
	r := NewRunner(mock, fastPolicy())

	out, res := Run[verdict](context.Background(), r, testTask())

	require.NotNil(t, out)
	assert.Equal(t, "price", out.Label)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "m1", res.Model)
	assert.NoError(t, res.Err)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "objection", reqs[0].Caller)
	assert.Equal(t, "extraction", reqs[0].Capability)
	assert.True(t, reqs[0].JSONOutput)
}

func TestRun_ValidationRetry(t *testing.T) {
	t.Run("recovers on second attempt", func(t *testing.T) {
		mock := &testutil.MockLLMClient{Responses: []*llm.Response{
			{Content: `{"label": ""}`},
			{Content: `{"label": "timing"}`},
		}}
		out, res := Run[verdict](context.Background(), NewRunner(mock, fastPolicy()), testTask())

		require.NotNil(t, out)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 2, res.Attempts)
	})

	t.Run("exhausts validation budget", func(t *testing.T) {
		mock := &testutil.MockLLMClient{Responses: []*llm.Response{
			{Content: "no json here"},
			{Content: `{"label": ""}`},
			{Content: `{"label": "never reached"}`},
		}}
		out, res := Run[verdict](context.Background(), NewRunner(mock, fastPolicy()), testTask())

		assert.Nil(t, out)
		assert.Equal(t, StatusValidationFailed, res.Status)
		assert.Equal(t, 2, res.Attempts)
		assert.True(t, llm.IsValidation(res.Err))
		assert.False(t, res.Status.Retryable())
	})
}

func TestRun_ServiceRetry(t *testing.T) {
	t.Run("transient errors retried up to the budget", func(t *testing.T) {
		mock := &testutil.MockLLMClient{Err: llm.NewTransientError(errors.New("503"))}
		out, res := Run[verdict](context.Background(), NewRunner(mock, fastPolicy()), testTask())

		assert.Nil(t, out)
		assert.Equal(t, StatusServiceError, res.Status)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, 3, mock.GetCallCount())
		assert.True(t, res.Status.Retryable())
	})

	t.Run("fatal error stops immediately", func(t *testing.T) {
		mock := &testutil.MockLLMClient{Err: llm.NewFatalError(errors.New("401"))}
		_, res := Run[verdict](context.Background(), NewRunner(mock, fastPolicy()), testTask())

		assert.Equal(t, StatusServiceError, res.Status)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("recovers after transient failure", func(t *testing.T) {
		var calls atomic.Int32
		mock := &testutil.MockLLMClient{Handler: func(context.Context, llm.Request) (*llm.Response, error) {
			if calls.Add(1) == 1 {
				return nil, llm.NewTransientError(errors.New("reset"))
			}
			return &llm.Response{Content: `{"label": "ok"}`}, nil
		}}
		out, res := Run[verdict](context.Background(), NewRunner(mock, fastPolicy()), testTask())

		require.NotNil(t, out)
		assert.Equal(t, 2, res.Attempts)
	})
}

func TestRun_AttemptTimeout(t *testing.T) {
	t.Run("non-cooperative call is abandoned", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		mock := &testutil.MockLLMClient{Handler: func(context.Context, llm.Request) (*llm.Response, error) {
			<-release
			return &llm.Response{Content: `{"label": "late"}`}, nil
		}}

		policy := fastPolicy()
		policy.ServiceRetries = 1

		start := time.Now()
		out, res := Run[verdict](context.Background(), NewRunner(mock, policy), testTask())

		assert.Nil(t, out)
		assert.Equal(t, StatusTimedOut, res.Status)
		assert.Equal(t, 2, res.Attempts)
		assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("timeouts share the service budget", func(t *testing.T) {
		var calls atomic.Int32
		mock := &testutil.MockLLMClient{Handler: func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, llm.NewTransientError(errors.New("502"))
		}}
		_, res := Run[verdict](context.Background(), NewRunner(mock, fastPolicy()), testTask())

		assert.Equal(t, StatusServiceError, res.Status, "final status reflects the last attempt")
		assert.Equal(t, 3, res.Attempts)
	})
}

func TestRun_ParentCancellation(t *testing.T) {
	mock := &testutil.MockLLMClient{Handler: func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	policy := fastPolicy()
	policy.AttemptTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, res := Run[verdict](ctx, NewRunner(mock, policy), testTask())

	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, 1, res.Attempts)
}

func TestRun_AttemptHook(t *testing.T) {
	var seen []Status
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: `{}`},
		{Content: `{"label": "x"}`},
	}}
	r := NewRunner(mock, fastPolicy(), WithAttemptHook(func(name string, s Status) {
		assert.Equal(t, "objection", name)
		seen = append(seen, s)
	}))

	Run[verdict](context.Background(), r, testTask())

	assert.Equal(t, []Status{StatusValidationFailed, StatusSuccess}, seen)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.AttemptTimeout = 0
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.ServiceRetries = -1
	assert.Error(t, p.Validate())

	assert.Equal(t, time.Second, DefaultPolicy().backoff(1))
	assert.Equal(t, 2*time.Second, DefaultPolicy().backoff(2))
}
