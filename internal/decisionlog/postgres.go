package decisionlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is the shared decision log for multi-process deployments.
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
CREATE TABLE IF NOT EXISTS decisions (
    id            TEXT PRIMARY KEY,
    provider      TEXT NOT NULL,
    task_type     TEXT NOT NULL,
    success       BOOLEAN NOT NULL,
    failed_over   BOOLEAN NOT NULL,
    attempt_count INTEGER NOT NULL,
    attempts_json TEXT NOT NULL,
    latency_ms    BIGINT NOT NULL,
    cost_usd      DOUBLE PRECISION NOT NULL,
    tokens_used   BIGINT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_provider ON decisions (provider);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions (created_at)`)
	if err != nil {
		return fmt.Errorf("create decisions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Record{record})
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, record := range records {
		if record == nil {
			continue
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO decisions (
    id, provider, task_type, success, failed_over, attempt_count,
    attempts_json, latency_ms, cost_usd, tokens_used, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`,
			record.ID,
			record.Provider,
			record.TaskType,
			record.Success,
			record.FailedOver,
			record.AttemptCount,
			record.AttemptsJSON,
			record.LatencyMS,
			record.CostUSD,
			record.TokensUsed,
			record.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert decision %q: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decision batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProviderStats(ctx context.Context, providerName string) (*ProviderStats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
    COALESCE(AVG(latency_ms), 0),
    COALESCE(SUM(cost_usd), 0)
FROM decisions
WHERE provider = $1`, providerName)

	stats := ProviderStats{Provider: providerName}
	if err := row.Scan(&stats.RequestsMade, &stats.Successes, &stats.AvgLatencyMS, &stats.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query provider stats %q: %w", providerName, err)
	}
	if stats.RequestsMade > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.RequestsMade)
	}
	return &stats, nil
}

func (s *PostgresStore) AllProviderStats(ctx context.Context) ([]ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    provider,
    COUNT(*),
    COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
    COALESCE(AVG(latency_ms), 0),
    COALESCE(SUM(cost_usd), 0)
FROM decisions
GROUP BY provider
ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query provider stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []ProviderStats
	for rows.Next() {
		var stats ProviderStats
		if err := rows.Scan(&stats.Provider, &stats.RequestsMade, &stats.Successes, &stats.AvgLatencyMS, &stats.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan provider stats: %w", err)
		}
		if stats.RequestsMade > 0 {
			stats.SuccessRate = float64(stats.Successes) / float64(stats.RequestsMade)
		}
		all = append(all, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider stats: %w", err)
	}
	return all, nil
}
