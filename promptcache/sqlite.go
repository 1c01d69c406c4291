package promptcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache is a Cache persisted in a local SQLite file, for single-host
// deployments that want the cache to survive restarts.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// sqliteDSN applies the pragmas on every connection the pool opens, not just
// the first one.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLiteCache opens (and migrates) the cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// SQLite allows one writer; serialize in the pool instead of in the driver.
	db.SetMaxOpenConns(1)
	c := &SQLiteCache{db: db, now: time.Now}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite cache: %w", err)
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prompt_cache (
			key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (c *SQLiteCache) Close() error { return c.db.Close() }

// Get returns the entry for key, or a miss if absent or expired.
func (c *SQLiteCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	var payload string
	var created, expires int64
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, created_at, expires_at FROM prompt_cache WHERE key = ?`, key,
	).Scan(&payload, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", key, err)
	}

	e := Entry{Key: key, Payload: payload, CreatedAt: time.Unix(0, created)}
	if expires != 0 {
		e.ExpiresAt = time.Unix(0, expires)
	}
	if e.Expired(c.now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put upserts payload under key in a single statement.
func (c *SQLiteCache) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	e := newEntry(key, payload, c.now(), ttl)
	var expires int64
	if !e.ExpiresAt.IsZero() {
		expires = e.ExpiresAt.UnixNano()
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO prompt_cache(key, payload, created_at, expires_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		key, payload, e.CreatedAt.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Prune deletes expired rows.
func (c *SQLiteCache) Prune(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM prompt_cache WHERE expires_at != 0 AND expires_at <= ?`, c.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}
