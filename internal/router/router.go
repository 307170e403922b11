package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/omniroute/omniroute/internal/breaker"
	"github.com/omniroute/omniroute/internal/provider"
	"github.com/omniroute/omniroute/internal/quota"
)

const defaultDispatchTimeout = 30 * time.Second

// Options carries the injected router state. Counters and breakers are
// explicit dependencies rather than globals, so multiple router instances
// coexist without cross-contamination.
type Options struct {
	Registry *provider.Registry
	Tracker  *quota.Tracker
	Breakers *breaker.Set
	Logger   *slog.Logger

	// DispatchTimeout bounds each provider attempt. It must stay shorter
	// than any outer request deadline.
	DispatchTimeout time.Duration

	// OnAttempt observes every failover step for metrics.
	OnAttempt func(providerName string, outcome AttemptOutcome)
}

// Router ranks eligible providers for a request and executes sequential
// failover across them. Attempts within one request are strictly sequential;
// speculative parallel dispatch would double-bill.
type Router struct {
	registry        *provider.Registry
	tracker         *quota.Tracker
	breakers        *breaker.Set
	logger          *slog.Logger
	dispatchTimeout time.Duration
	onAttempt       func(string, AttemptOutcome)
	nowFn           func() time.Time
}

func New(options Options) (*Router, error) {
	if options.Registry == nil {
		return nil, errors.New("router requires a provider registry")
	}
	if options.Tracker == nil {
		return nil, errors.New("router requires a usage tracker")
	}
	if options.Breakers == nil {
		return nil, errors.New("router requires a breaker set")
	}
	if _, ok := options.Registry.Local(); !ok {
		return nil, errors.New("router requires a local fallback provider")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := options.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Router{
		registry:        options.Registry,
		tracker:         options.Tracker,
		breakers:        options.Breakers,
		logger:          logger,
		dispatchTimeout: timeout,
		onAttempt:       options.OnAttempt,
		nowFn:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Route selects a backend for the request and returns the decision from the
// first provider that serves it. Per-provider failures stay inside the loop
// as attempt entries; only total exhaustion propagates to the caller.
func (r *Router) Route(ctx context.Context, req Request) (*Decision, error) {
	taskType, err := ParseTaskType(string(req.TaskType))
	if err != nil {
		return nil, err
	}
	req.TaskType = taskType

	started := r.nowFn()
	var attempts []Attempt

	candidates, err := r.rank(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("rank providers: %w", err)
	}

	for _, entry := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Profile.Name
		estimatedCost := entry.Profile.CostUSD(req.EstimatedTokens)

		reserved, err := r.tracker.Reserve(ctx, name, req.EstimatedTokens, estimatedCost)
		if err != nil {
			r.logger.Warn("quota reserve failed", "provider", name, "error", err)
		}
		if err != nil || !reserved {
			attempts = r.recordAttempt(attempts, Attempt{Provider: name, Outcome: OutcomeQuotaRefused})
			continue
		}

		if req.CustomerID != "" {
			accepted, err := r.tracker.ReserveCustomerCost(ctx, req.CustomerID, estimatedCost)
			if err != nil || !accepted {
				_ = r.tracker.Release(ctx, name, req.EstimatedTokens, estimatedCost)
				attempts = r.recordAttempt(attempts, Attempt{Provider: name, Outcome: OutcomeQuotaRefused, Error: "customer budget exceeded"})
				continue
			}
		}

		result, latency, dispatchErr := r.dispatch(ctx, entry, req)
		if dispatchErr == nil {
			actualCost := entry.Profile.CostUSD(int64(result.TotalTokens))
			if err := r.tracker.Commit(ctx, name, req.EstimatedTokens, int64(result.TotalTokens), estimatedCost, actualCost); err != nil {
				r.logger.Warn("quota commit failed", "provider", name, "error", err)
			}
			if req.CustomerID != "" {
				if err := r.tracker.CommitCustomerCost(ctx, req.CustomerID, estimatedCost, actualCost); err != nil {
					r.logger.Warn("customer budget commit failed", "customer", req.CustomerID, "error", err)
				}
			}
			if brk := r.breakers.Get(name); brk != nil {
				brk.RecordSuccess()
			}
			attempts = r.recordAttempt(attempts, Attempt{Provider: name, Outcome: OutcomeSuccess, Latency: latency})
			return r.decision(req, name, attempts, result, actualCost, started), nil
		}

		if err := r.tracker.Release(ctx, name, req.EstimatedTokens, estimatedCost); err != nil {
			r.logger.Warn("quota release failed", "provider", name, "error", err)
		}
		if req.CustomerID != "" {
			if err := r.tracker.ReleaseCustomerCost(ctx, req.CustomerID, estimatedCost); err != nil {
				r.logger.Warn("customer budget release failed", "customer", req.CustomerID, "error", err)
			}
		}

		// A cancelled outer request aborts the chain; the reservation above
		// is already rolled back.
		if errors.Is(dispatchErr, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if brk := r.breakers.Get(name); brk != nil {
			brk.RecordFailure()
		}
		r.logger.Warn("provider dispatch failed", "provider", name, "error", dispatchErr)
		attempts = r.recordAttempt(attempts, Attempt{
			Provider: name,
			Outcome:  OutcomeRemoteFailure,
			Error:    dispatchErr.Error(),
			Latency:  latency,
		})
	}

	return r.routeLocal(ctx, req, attempts, started)
}

// routeLocal dispatches to the always-eligible fallback. It has no quota and
// is never breaker-gated.
func (r *Router) routeLocal(ctx context.Context, req Request, attempts []Attempt, started time.Time) (*Decision, error) {
	local, _ := r.registry.Local()
	name := local.Profile.Name

	result, latency, dispatchErr := r.dispatch(ctx, local, req)
	if dispatchErr == nil {
		attempts = r.recordAttempt(attempts, Attempt{Provider: name, Outcome: OutcomeSuccess, Latency: latency})
		return r.decision(req, name, attempts, result, 0, started), nil
	}

	if errors.Is(dispatchErr, context.Canceled) && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	attempts = r.recordAttempt(attempts, Attempt{
		Provider: name,
		Outcome:  OutcomeRemoteFailure,
		Error:    dispatchErr.Error(),
		Latency:  latency,
	})
	return nil, &ExhaustedError{Attempts: attempts}
}

func (r *Router) dispatch(ctx context.Context, entry provider.Entry, req Request) (*provider.Result, time.Duration, error) {
	dispatchCtx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	defer cancel()

	started := time.Now()
	result, err := entry.Client.Complete(dispatchCtx, req.Payload)
	latency := time.Since(started)
	if err != nil {
		return nil, latency, provider.Classify(entry.Profile.Name, err)
	}
	if result == nil {
		return nil, latency, fmt.Errorf("provider %s: empty result", entry.Profile.Name)
	}
	return result, latency, nil
}

func (r *Router) decision(req Request, providerName string, attempts []Attempt, result *provider.Result, costUSD float64, started time.Time) *Decision {
	return &Decision{
		ID:         uuid.NewString(),
		Provider:   providerName,
		TaskType:   req.TaskType,
		Attempts:   attempts,
		Latency:    r.nowFn().Sub(started),
		CostUSD:    costUSD,
		TokensUsed: result.TotalTokens,
		FailedOver: len(attempts) > 1,
		CreatedAt:  started,
		Result:     result,
	}
}

func (r *Router) recordAttempt(attempts []Attempt, attempt Attempt) []Attempt {
	if r.onAttempt != nil {
		r.onAttempt(attempt.Provider, attempt.Outcome)
	}
	return append(attempts, attempt)
}
