package decisionlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-node decision log.
type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention under concurrent recording.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS decisions (
    id            TEXT PRIMARY KEY,
    provider      TEXT NOT NULL,
    task_type     TEXT NOT NULL,
    success       INTEGER NOT NULL,
    failed_over   INTEGER NOT NULL,
    attempt_count INTEGER NOT NULL,
    attempts_json TEXT NOT NULL,
    latency_ms    INTEGER NOT NULL,
    cost_usd      REAL NOT NULL,
    tokens_used   INTEGER NOT NULL,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_provider ON decisions (provider);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions (created_at)`)
	if err != nil {
		return fmt.Errorf("create decisions schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Record{record})
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO decisions (
    id, provider, task_type, success, failed_over, attempt_count,
    attempts_json, latency_ms, cost_usd, tokens_used, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare decision insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, record := range records {
		if record == nil {
			continue
		}
		_, err := stmt.ExecContext(ctx,
			record.ID,
			record.Provider,
			record.TaskType,
			boolToInt(record.Success),
			boolToInt(record.FailedOver),
			record.AttemptCount,
			record.AttemptsJSON,
			record.LatencyMS,
			record.CostUSD,
			record.TokensUsed,
			record.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
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

func (s *SQLiteStore) ProviderStats(ctx context.Context, providerName string) (*ProviderStats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*),
    COALESCE(SUM(success), 0),
    COALESCE(AVG(latency_ms), 0),
    COALESCE(SUM(cost_usd), 0)
FROM decisions
WHERE provider = ?`, providerName)

	stats := ProviderStats{Provider: providerName}
	if err := row.Scan(&stats.RequestsMade, &stats.Successes, &stats.AvgLatencyMS, &stats.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query provider stats %q: %w", providerName, err)
	}
	if stats.RequestsMade > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.RequestsMade)
	}
	return &stats, nil
}

func (s *SQLiteStore) AllProviderStats(ctx context.Context) ([]ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    provider,
    COUNT(*),
    COALESCE(SUM(success), 0),
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

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
