package decisionlog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("decision record not found")

// Record is one persisted routing decision. Attempt detail is stored as a
// JSON blob; the aggregate columns exist so stats queries never parse it.
type Record struct {
	ID           string
	Provider     string
	TaskType     string
	Success      bool
	FailedOver   bool
	AttemptCount int
	AttemptsJSON string
	LatencyMS    int64
	CostUSD      float64
	TokensUsed   int64
	CreatedAt    time.Time
}

// ProviderStats is the read-only aggregate view backing telemetry.
type ProviderStats struct {
	Provider     string  `json:"provider"`
	RequestsMade int64   `json:"requests_made"`
	Successes    int64   `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Store persists decision records and serves the aggregates derived from
// them. Implementations hold no other mutable state.
type Store interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	ProviderStats(ctx context.Context, providerName string) (*ProviderStats, error)
	AllProviderStats(ctx context.Context) ([]ProviderStats, error)
	Close() error
}
