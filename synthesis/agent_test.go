package synthesis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/callscore/agent"
	"github.com/c360studio/callscore/extraction"
	"github.com/c360studio/callscore/llm"
	"github.com/c360studio/callscore/llm/testutil"
	"github.com/c360studio/callscore/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validReport = `{
	"overall_score": 74,
	"deal_signal": {"status": "advancing", "likelihood": 0.55, "rationale": "Technical review booked"},
	"performance": [{"dimension": "discovery", "score": 8, "evidence": "Asked about the dispatch workflow"}],
	"narrative": {"summary": "Good call. Objection handling was not assessed.", "strengths": ["discovery"], "improvements": ["multi-threading"], "coaching_tips": ["Ask about the buying committee"]}
}`

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() agent.Policy {
	return agent.Policy{
		ValidationRetries: 1,
		ServiceRetries:    2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		AttemptTimeout:    100 * time.Millisecond,
	}
}

func partialAggregate() *extraction.Aggregate {
	return &extraction.Aggregate{
		CallID: "call-7",
		Outcomes: map[extraction.Kind]*extraction.Outcome{
			extraction.KindPainPoint: {
				Kind:    extraction.KindPainPoint,
				Status:  agent.StatusSuccess,
				Payload: &extraction.PainPoints{Items: []extraction.PainPoint{{Description: "dispatch takes a day", Severity: "high"}}},
			},
			extraction.KindEngagementScore: {
				Kind:    extraction.KindEngagementScore,
				Status:  agent.StatusSuccess,
				Payload: &extraction.Engagement{Score: 70, ProspectTalkRatio: 0.5, Sentiment: "positive"},
			},
			extraction.KindObjection: {Kind: extraction.KindObjection, Status: agent.StatusValidationFailed},
		},
	}
}

func testTranscript() *transcript.Cleaned {
	return &transcript.Cleaned{
		CallID:     "call-7",
		Utterances: []transcript.Utterance{{Speaker: "Dana", Text: "We lose Mondays to dispatch.", Timestamp: 61}},
		Roles:      map[string]transcript.Role{"Dana": transcript.RoleProspect},
	}
}

func TestSynthesize(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: validReport, Model: "claude-sonnet"}}}
	a := NewAgent(agent.NewRunner(mock, testPolicy()), WithClock(func() time.Time { return fixedNow }))

	report, err := a.Synthesize(context.Background(), partialAggregate(), testTranscript())
	require.NoError(t, err)

	assert.Equal(t, "call-7", report.CallID)
	assert.Equal(t, 74, report.OverallScore)
	assert.Equal(t, "advancing", report.DealSignal.Status)
	assert.Equal(t, "claude-sonnet", report.Model)
	assert.Equal(t, fixedNow, report.GeneratedAt)
	assert.Equal(t, []extraction.Kind{
		extraction.KindObjection,
		extraction.KindNextSteps,
		extraction.KindCallStructureReview,
		extraction.KindRepTechnique,
	}, report.MissingFacets)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "synthesis", reqs[0].Capability)
	user := reqs[0].Messages[1].Content
	assert.Contains(t, user, "dispatch takes a day")
	assert.Contains(t, user, "### Engagement")
	assert.NotContains(t, user, "### Objections")
	assert.Contains(t, user, "could not be extracted: Objections, Next steps, Call structure, Rep technique.")
	assert.Contains(t, user, "[01:01] Dana (prospect): We lose Mondays to dispatch.")
}

func TestSynthesize_FullSuccessHasEmptyMissing(t *testing.T) {
	agg := &extraction.Aggregate{CallID: "c", Outcomes: map[extraction.Kind]*extraction.Outcome{}}
	for _, k := range extraction.AllKinds() {
		agg.Outcomes[k] = &extraction.Outcome{Kind: k, Status: agent.StatusSuccess, Payload: &extraction.PainPoints{}}
	}
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: validReport}}}

	report, err := NewAgent(agent.NewRunner(mock, testPolicy())).Synthesize(context.Background(), agg, testTranscript())
	require.NoError(t, err)
	assert.NotNil(t, report.MissingFacets)
	assert.Empty(t, report.MissingFacets)
	assert.NotContains(t, mock.Requests()[0].Messages[1].Content, "Omitted facets")
}

func TestSynthesize_ValidationRetryOnce(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		mock := &testutil.MockLLMClient{Responses: []*llm.Response{
			{Content: `{"overall_score": 140}`},
			{Content: validReport},
		}}
		report, err := NewAgent(agent.NewRunner(mock, testPolicy())).Synthesize(context.Background(), partialAggregate(), testTranscript())
		require.NoError(t, err)
		assert.Equal(t, 74, report.OverallScore)
		assert.Equal(t, 2, mock.GetCallCount())
	})

	t.Run("final failure", func(t *testing.T) {
		mock := &testutil.MockLLMClient{Responses: []*llm.Response{
			{Content: `{"overall_score": 140}`},
			{Content: `{"overall_score": 50, "deal_signal": {"status": "great"}}`},
			{Content: validReport},
		}}
		_, err := NewAgent(agent.NewRunner(mock, testPolicy())).Synthesize(context.Background(), partialAggregate(), testTranscript())

		var failed *FailedError
		require.True(t, errors.As(err, &failed))
		assert.Equal(t, agent.StatusValidationFailed, failed.Status)
		assert.Equal(t, 2, failed.Attempts)
		assert.False(t, failed.Retryable())
		assert.True(t, llm.IsValidation(err))
	})

	t.Run("service failure is retryable", func(t *testing.T) {
		mock := &testutil.MockLLMClient{Err: llm.NewTransientError(errors.New("overloaded"))}
		_, err := NewAgent(agent.NewRunner(mock, testPolicy())).Synthesize(context.Background(), partialAggregate(), testTranscript())

		var failed *FailedError
		require.True(t, errors.As(err, &failed))
		assert.True(t, failed.Retryable())
	})
}

func TestSynthesize_NoFacets(t *testing.T) {
	mock := &testutil.MockLLMClient{}
	a := NewAgent(agent.NewRunner(mock, testPolicy()))

	_, err := a.Synthesize(context.Background(), &extraction.Aggregate{CallID: "c"}, testTranscript())
	assert.ErrorIs(t, err, ErrNoFacets)
	assert.Zero(t, mock.GetCallCount())
}

func TestReportOutput_SchemaMismatch(t *testing.T) {
	tests := map[string]string{
		"empty object":     `{}`,
		"unrelated object": `{"unexpected": true}`,
		"facet shape":      `{"items": []}`,
		"no performance":   `{"overall_score": 60, "deal_signal": {"status": "advancing", "likelihood": 0.5}, "narrative": {"summary": "ok"}}`,
		"no summary":       `{"overall_score": 60, "deal_signal": {"status": "advancing", "likelihood": 0.5}, "performance": [{"dimension": "discovery", "score": 6}]}`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			err := llm.DecodeStructured(content, &reportOutput{})
			assert.True(t, llm.IsValidation(err), "accepted %s", content)
		})
	}

	require.NoError(t, llm.DecodeStructured(validReport, &reportOutput{}))
	require.NoError(t, llm.DecodeStructured(Example(), &reportOutput{}))
}
