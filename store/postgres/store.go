// Package postgres reads calls and account facts from PostgreSQL and records
// scoring outcomes.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360studio/callscore/contextloader"
	"github.com/c360studio/callscore/pipeline"
	"github.com/c360studio/callscore/transcript"
)

//go:embed schema.sql
var schema string

// priorCallLimit caps how many earlier calls with the account feed context.
const priorCallLimit = 3

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// Store is a pgx-backed call repository.
type Store struct {
	db *pgxpool.Pool
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

// Migrate creates the tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// LoadFacts implements contextloader.FactsSource.
func (s *Store) LoadFacts(ctx context.Context, refs contextloader.Refs) (*contextloader.Facts, error) {
	facts := &contextloader.Facts{}

	err := s.db.QueryRow(ctx,
		`SELECT id, name, industry, product, value_props, playbook FROM companies WHERE id = $1`,
		refs.CompanyID,
	).Scan(&facts.Company.ID, &facts.Company.Name, &facts.Company.Industry,
		&facts.Company.Product, &facts.Company.ValueProps, &facts.Company.Playbook)
	if err != nil {
		return nil, notFound(err, "company %s", refs.CompanyID)
	}

	err = s.db.QueryRow(ctx,
		`SELECT id, name, title FROM reps WHERE id = $1 AND company_id = $2`,
		refs.RepID, refs.CompanyID,
	).Scan(&facts.Rep.ID, &facts.Rep.Name, &facts.Rep.Title)
	if err != nil {
		return nil, notFound(err, "rep %s", refs.RepID)
	}

	if refs.AccountID != "" {
		acct := &contextloader.Account{}
		err = s.db.QueryRow(ctx,
			`SELECT id, name, stage, notes FROM accounts WHERE id = $1`,
			refs.AccountID,
		).Scan(&acct.ID, &acct.Name, &acct.Stage, &acct.Notes)
		if err != nil {
			return nil, notFound(err, "account %s", refs.AccountID)
		}
		facts.Account = acct
	}

	if len(refs.PriorCallIDs) > 0 {
		rows, err := s.db.Query(ctx,
			`SELECT id, occurred_at, summary FROM calls WHERE id = ANY($1) ORDER BY occurred_at`,
			refs.PriorCallIDs)
		if err != nil {
			return nil, fmt.Errorf("query prior calls: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var pc contextloader.PriorCall
			if err := rows.Scan(&pc.CallID, &pc.OccurredAt, &pc.Summary); err != nil {
				return nil, err
			}
			facts.PriorCalls = append(facts.PriorCalls, pc)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return facts, nil
}

// LoadRequest builds the scoring request for a stored call. SourceVersion is
// the newest updated_at among the records the call's context is rendered
// from: company, rep, account and prior calls. Edits to the call itself do
// not change its context.
func (s *Store) LoadRequest(ctx context.Context, callID string) (*pipeline.Request, error) {
	var (
		refs       contextloader.Refs
		accountID  *string
		occurredAt time.Time
		rawJSON    []byte
		version    time.Time
	)
	err := s.db.QueryRow(ctx, `
SELECT c.company_id, c.rep_id, c.account_id, c.occurred_at, c.transcript,
       GREATEST(co.updated_at, r.updated_at, a.updated_at)
FROM calls c
JOIN companies co ON co.id = c.company_id
JOIN reps r ON r.id = c.rep_id
LEFT JOIN accounts a ON a.id = c.account_id
WHERE c.id = $1`, callID,
	).Scan(&refs.CompanyID, &refs.RepID, &accountID, &occurredAt, &rawJSON, &version)
	if err != nil {
		return nil, notFound(err, "call %s", callID)
	}

	var raw transcript.Raw
	if err := json.Unmarshal(rawJSON, &raw); err != nil {
		return nil, fmt.Errorf("decode transcript for call %s: %w", callID, err)
	}
	raw.CallID = callID

	if accountID != nil {
		refs.AccountID = *accountID
		rows, err := s.db.Query(ctx,
			`SELECT id, updated_at FROM calls WHERE account_id = $1 AND occurred_at < $2 ORDER BY occurred_at DESC LIMIT $3`,
			refs.AccountID, occurredAt, priorCallLimit)
		if err != nil {
			return nil, fmt.Errorf("query prior calls: %w", err)
		}
		var id string
		var updated time.Time
		_, err = pgx.ForEachRow(rows, []any{&id, &updated}, func() error {
			refs.PriorCallIDs = append(refs.PriorCallIDs, id)
			if updated.After(version) {
				version = updated
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collect prior calls: %w", err)
		}
	}
	refs.SourceVersion = version.UTC().Format(time.RFC3339Nano)

	return &pipeline.Request{CallID: callID, Transcript: raw, Refs: refs}, nil
}

// ListBacklog returns calls with no score yet, or whose last attempt failed
// retryably, oldest first.
func (s *Store) ListBacklog(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT c.id FROM calls c
LEFT JOIN call_scores s ON s.call_id = c.id
WHERE s.call_id IS NULL OR (s.state <> $1 AND s.retryable)
ORDER BY c.occurred_at
LIMIT $2`, string(pipeline.StateCompleted), limit)
	if err != nil {
		return nil, fmt.Errorf("query backlog: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SaveResult records the terminal outcome of a scoring job, replacing any
// earlier outcome for the call.
func (s *Store) SaveResult(ctx context.Context, res *pipeline.Result) error {
	if res == nil || res.Job == nil {
		return fmt.Errorf("result has no job")
	}
	job := res.Job

	aggregate, err := marshalOptional(res.Aggregate)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	report, err := marshalOptional(res.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	scoredAt := job.CompletedAt
	if scoredAt.IsZero() {
		scoredAt = time.Now()
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO call_scores (call_id, job_id, state, retryable, error, aggregate, report, scored_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (call_id) DO UPDATE SET
    job_id = EXCLUDED.job_id,
    state = EXCLUDED.state,
    retryable = EXCLUDED.retryable,
    error = EXCLUDED.error,
    aggregate = EXCLUDED.aggregate,
    report = EXCLUDED.report,
    scored_at = EXCLUDED.scored_at`,
		job.CallID, job.ID, string(job.State), job.Retryable, job.Error, aggregate, report, scoredAt)
	if err != nil {
		return fmt.Errorf("save result for call %s: %w", job.CallID, err)
	}
	return nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
