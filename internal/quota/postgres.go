package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore backs the tracker with a shared table so multiple router
// processes draw from the same quota. Each Add is a single upsert whose
// ceiling check happens inside the statement, keeping increments linearizable
// without advisory locks.
type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{DSN: dsn, db: db}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS quota_buckets (
    key        TEXT PRIMARY KEY,
    value      DOUBLE PRECISION NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create quota_buckets table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Add(ctx context.Context, key string, delta float64, ttl time.Duration, ceiling float64) (bool, error) {
	if delta > 0 && ceiling > 0 && delta > ceiling {
		return false, nil
	}

	// An expired row is treated as a fresh bucket. The CASE arms must agree
	// between value and expires_at so a reset always renews the TTL.
	row := s.db.QueryRowContext(ctx, `
INSERT INTO quota_buckets (key, value, expires_at)
VALUES ($1, GREATEST($2, 0), now() + $3 * interval '1 second')
ON CONFLICT (key) DO UPDATE SET
    value = GREATEST(
        CASE WHEN quota_buckets.expires_at <= now() THEN $2 ELSE quota_buckets.value + $2 END,
        0),
    expires_at = CASE
        WHEN quota_buckets.expires_at <= now() THEN now() + $3 * interval '1 second'
        ELSE quota_buckets.expires_at END
WHERE $2 <= 0
   OR $4 <= 0
   OR GREATEST(
        CASE WHEN quota_buckets.expires_at <= now() THEN $2 ELSE quota_buckets.value + $2 END,
        0) <= $4
RETURNING value`,
		key, delta, ttl.Seconds(), ceiling)

	var value float64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("add quota bucket %q: %w", key, err)
	}
	return true, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (float64, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT value FROM quota_buckets WHERE key = $1 AND expires_at > now()`, key)

	var value float64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get quota bucket %q: %w", key, err)
	}
	return value, nil
}
