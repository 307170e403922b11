package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/omniroute/omniroute/internal/breaker"
	"github.com/omniroute/omniroute/internal/decisionlog"
	"github.com/omniroute/omniroute/internal/provider"
	"github.com/omniroute/omniroute/internal/quota"
	"github.com/omniroute/omniroute/internal/router"
)

// Recorder turns routing decisions into structured log lines, persisted
// records, and metric increments. It owns no mutable state of its own;
// stats and health are derived views over the stores it is given.
type Recorder struct {
	writer   *decisionlog.Writer
	store    decisionlog.Store
	registry *provider.Registry
	tracker  *quota.Tracker
	breakers *breaker.Set
	logger   *slog.Logger
}

type Options struct {
	Writer   *decisionlog.Writer
	Store    decisionlog.Store
	Registry *provider.Registry
	Tracker  *quota.Tracker
	Breakers *breaker.Set
	Logger   *slog.Logger
}

func NewRecorder(options Options) *Recorder {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		writer:   options.Writer,
		store:    options.Store,
		registry: options.Registry,
		tracker:  options.Tracker,
		breakers: options.Breakers,
		logger:   logger,
	}
}

// RecordDecision emits one structured record for a served request.
func (r *Recorder) RecordDecision(decision *router.Decision) {
	if decision == nil {
		return
	}
	r.logger.Info("request routed",
		"decision_id", decision.ID,
		"provider", decision.Provider,
		"task_type", string(decision.TaskType),
		"attempts", len(decision.Attempts),
		"failed_over", decision.FailedOver,
		"latency_ms", decision.Latency.Milliseconds(),
		"cost_usd", decision.CostUSD,
		"tokens_used", decision.TokensUsed,
	)
	r.enqueue(toRecord(decision, true))
}

// RecordExhausted emits the terminal-failure record when every provider,
// local fallback included, failed the request.
func (r *Recorder) RecordExhausted(decisionID string, taskType router.TaskType, attempts []router.Attempt) {
	r.logger.Error("all providers exhausted",
		"decision_id", decisionID,
		"task_type", string(taskType),
		"attempts", len(attempts),
	)
	r.enqueue(&decisionlog.Record{
		ID:           decisionID,
		Provider:     "",
		TaskType:     string(taskType),
		Success:      false,
		FailedOver:   len(attempts) > 1,
		AttemptCount: len(attempts),
		AttemptsJSON: marshalAttempts(attempts),
		CreatedAt:    time.Now().UTC(),
	})
}

func (r *Recorder) enqueue(record *decisionlog.Record) {
	if r.writer == nil || record == nil {
		return
	}
	if !r.writer.Enqueue(record) {
		r.logger.Warn("decision record dropped", "decision_id", record.ID)
	}
}

// Stats returns the aggregate view for one provider.
func (r *Recorder) Stats(ctx context.Context, providerName string) (*decisionlog.ProviderStats, error) {
	return r.store.ProviderStats(ctx, providerName)
}

// AllStats returns aggregates for every provider seen so far.
func (r *Recorder) AllStats(ctx context.Context) ([]decisionlog.ProviderStats, error) {
	return r.store.AllProviderStats(ctx)
}

func toRecord(decision *router.Decision, success bool) *decisionlog.Record {
	return &decisionlog.Record{
		ID:           decision.ID,
		Provider:     decision.Provider,
		TaskType:     string(decision.TaskType),
		Success:      success,
		FailedOver:   decision.FailedOver,
		AttemptCount: len(decision.Attempts),
		AttemptsJSON: marshalAttempts(decision.Attempts),
		LatencyMS:    decision.Latency.Milliseconds(),
		CostUSD:      decision.CostUSD,
		TokensUsed:   int64(decision.TokensUsed),
		CreatedAt:    decision.CreatedAt,
	}
}

func marshalAttempts(attempts []router.Attempt) string {
	data, err := json.Marshal(attempts)
	if err != nil {
		return "[]"
	}
	return string(data)
}
