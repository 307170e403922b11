package telemetry

import (
	"context"

	"github.com/omniroute/omniroute/internal/breaker"
	"github.com/omniroute/omniroute/internal/quota"
)

// HealthSnapshot is the observability view of one provider. It is derived
// on demand from breaker and tracker state; calling it twice with no
// intervening requests returns identical snapshots.
type HealthSnapshot struct {
	Provider            string                   `json:"provider"`
	Local               bool                     `json:"local"`
	BreakerState        string                   `json:"breaker_state"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	RemainingPct        map[quota.Window]float64 `json:"remaining_pct"`
	Eligible            bool                     `json:"eligible"`
}

// ProviderHealth reports the current snapshot for every registered provider.
func (r *Recorder) ProviderHealth(ctx context.Context) (map[string]HealthSnapshot, error) {
	snapshots := make(map[string]HealthSnapshot)

	for _, entry := range r.registry.All() {
		name := entry.Profile.Name
		snapshot := HealthSnapshot{
			Provider:     name,
			Local:        entry.Profile.Local,
			BreakerState: "closed",
			RemainingPct: make(map[quota.Window]float64, len(quota.Windows)),
			Eligible:     true,
		}

		if entry.Profile.Local {
			// The fallback has no quota and is never breaker-gated.
			for _, window := range quota.Windows {
				snapshot.RemainingPct[window] = 1
			}
			snapshots[name] = snapshot
			continue
		}

		if brk := r.breakers.Get(name); brk != nil {
			state := brk.Snapshot()
			snapshot.BreakerState = state.State.String()
			snapshot.ConsecutiveFailures = state.ConsecutiveFailures
			if state.State == breaker.StateOpen {
				snapshot.Eligible = false
			}
		}

		minPct := 1.0
		for _, window := range quota.Windows {
			pct, err := r.tracker.RemainingPct(ctx, name, window)
			if err != nil {
				return nil, err
			}
			snapshot.RemainingPct[window] = pct
			if pct < minPct {
				minPct = pct
			}
		}
		if minPct <= 0 {
			snapshot.Eligible = false
		}

		snapshots[name] = snapshot
	}

	return snapshots, nil
}
