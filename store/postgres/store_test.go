package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/callscore/contextloader"
	"github.com/c360studio/callscore/pipeline"
	"github.com/c360studio/callscore/transcript"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CALLSCORE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CALLSCORE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

type fixture struct {
	company, rep, account string
	calls                 []string
}

// seed inserts one company with a rep, an account and three calls a day apart.
func seed(t *testing.T, s *Store) fixture {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()[:8]
	f := fixture{company: "co-" + id, rep: "rep-" + id, account: "acct-" + id}

	_, err := s.db.Exec(ctx, `INSERT INTO companies (id, name, product, value_props) VALUES ($1, $2, $3, $4)`,
		f.company, "Acme Corp", "Route optimizer", []string{"cuts fuel spend", "same-day dispatch"})
	require.NoError(t, err)
	_, err = s.db.Exec(ctx, `INSERT INTO reps (id, company_id, name, title) VALUES ($1, $2, $3, $4)`,
		f.rep, f.company, "Alex Rivera", "AE")
	require.NoError(t, err)
	_, err = s.db.Exec(ctx, `INSERT INTO accounts (id, company_id, name, stage) VALUES ($1, $2, $3, $4)`,
		f.account, f.company, "Globex", "evaluation")
	require.NoError(t, err)

	raw, err := json.Marshal(transcript.Raw{Utterances: []transcript.Utterance{{Speaker: "Alex", Text: "hello"}}})
	require.NoError(t, err)

	base := time.Date(2026, 2, 1, 15, 0, 0, 0, time.UTC)
	for i := range 3 {
		callID := "call-" + id + "-" + string(rune('a'+i))
		_, err = s.db.Exec(ctx, `
INSERT INTO calls (id, company_id, rep_id, account_id, occurred_at, transcript, summary)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			callID, f.company, f.rep, f.account, base.AddDate(0, 0, i), raw, "summary "+callID)
		require.NoError(t, err)
		f.calls = append(f.calls, callID)
	}
	return f
}

func TestLoadRequestAndFacts(t *testing.T) {
	s := openTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	req, err := s.LoadRequest(ctx, f.calls[2])
	require.NoError(t, err)
	assert.Equal(t, f.calls[2], req.CallID)
	assert.Equal(t, f.calls[2], req.Transcript.CallID)
	assert.Equal(t, f.company, req.Refs.CompanyID)
	assert.Equal(t, f.account, req.Refs.AccountID)
	assert.Equal(t, []string{f.calls[1], f.calls[0]}, req.Refs.PriorCallIDs)
	assert.NotEmpty(t, req.Refs.SourceVersion)

	facts, err := s.LoadFacts(ctx, req.Refs)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", facts.Company.Name)
	assert.Equal(t, []string{"cuts fuel spend", "same-day dispatch"}, facts.Company.ValueProps)
	assert.Equal(t, "Alex Rivera", facts.Rep.Name)
	require.NotNil(t, facts.Account)
	assert.Equal(t, "evaluation", facts.Account.Stage)
	require.Len(t, facts.PriorCalls, 2)
	assert.Equal(t, f.calls[0], facts.PriorCalls[0].CallID, "prior calls are chronological")
}

func TestLoadRequest_SourceVersion(t *testing.T) {
	s := openTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	version := func() string {
		t.Helper()
		req, err := s.LoadRequest(ctx, f.calls[2])
		require.NoError(t, err)
		return req.Refs.SourceVersion
	}
	touch := func(table, id string, at time.Time) {
		t.Helper()
		_, err := s.db.Exec(ctx, `UPDATE `+table+` SET updated_at = $2 WHERE id = $1`, id, at)
		require.NoError(t, err)
	}

	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	touch("companies", f.company, base)
	before := version()
	assert.Equal(t, base.Format(time.RFC3339Nano), before)

	touch("calls", f.calls[2], base.Add(time.Hour))
	assert.Equal(t, before, version(), "editing the scored call leaves its context unchanged")

	touch("calls", f.calls[0], base.Add(2*time.Hour))
	assert.Equal(t, base.Add(2*time.Hour).Format(time.RFC3339Nano), version(), "prior call edits change the context")
}

func TestLoadFacts_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadFacts(context.Background(), contextloader.Refs{CompanyID: "missing", RepID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.LoadRequest(context.Background(), "missing-call")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBacklogAndSaveResult(t *testing.T) {
	s := openTestStore(t)
	f := seed(t, s)
	ctx := context.Background()

	backlog, err := s.ListBacklog(ctx, 10000)
	require.NoError(t, err)
	assert.Subset(t, backlog, f.calls)

	done := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	save := func(callID string, state pipeline.State, retryable bool) {
		err := s.SaveResult(ctx, &pipeline.Result{Job: &pipeline.Job{
			ID: uuid.NewString(), CallID: callID, State: state, Retryable: retryable, CompletedAt: done,
		}})
		require.NoError(t, err)
	}
	save(f.calls[0], pipeline.StateCompleted, false)
	save(f.calls[1], pipeline.StateTimedOut, true)
	save(f.calls[2], pipeline.StateMalformedInput, false)

	backlog, err = s.ListBacklog(ctx, 10000)
	require.NoError(t, err)
	assert.NotContains(t, backlog, f.calls[0])
	assert.Contains(t, backlog, f.calls[1], "retryable failures stay in the backlog")
	assert.NotContains(t, backlog, f.calls[2])

	// A later success replaces the failed outcome.
	save(f.calls[1], pipeline.StateCompleted, false)
	backlog, err = s.ListBacklog(ctx, 10000)
	require.NoError(t, err)
	assert.NotContains(t, backlog, f.calls[1])
}
