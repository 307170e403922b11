package router

import (
	"context"
	"sort"
	"time"

	"github.com/omniroute/omniroute/internal/provider"
)

// Ranking weights. Capability fit dominates, cost pulls down paid providers,
// and quota health pre-emptively spreads load away from near-exhausted ones.
// The constants are documented deployment defaults, not a mandated formula.
const (
	weightCapability  = 0.60
	weightQuotaHealth = 0.15
	weightCostPenalty = 0.25
)

type candidate struct {
	entry provider.Entry
	score float64
}

// rank produces the ordered remote candidate list for a request. It is pure
// given the registry, breaker states, and quota counters: no randomness, and
// ties resolve by static priority then name so ordering is reproducible.
func (r *Router) rank(ctx context.Context, req Request) ([]provider.Entry, error) {
	maxCost := r.registry.MaxRemoteCost()

	var candidates []candidate
	for _, entry := range r.registry.Remotes() {
		if brk := r.breakers.Get(entry.Profile.Name); brk != nil && !brk.Allow() {
			continue
		}
		if req.MaxLatency > 0 {
			avgLatency := time.Duration(entry.Profile.AvgLatencySeconds * float64(time.Second))
			if avgLatency > req.MaxLatency {
				continue
			}
		}
		health, err := r.tracker.HealthPct(ctx, entry.Profile.Name)
		if err != nil {
			return nil, err
		}
		if health <= 0 {
			continue
		}
		candidates = append(candidates, candidate{
			entry: entry,
			score: score(req.TaskType, entry.Profile, health, maxCost),
		})
	}

	// Priority then name first, so the stable sort by score leaves equal
	// scores in a deterministic order.
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].entry.Profile, candidates[j].entry.Profile
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		return pi.Name < pj.Name
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	ranked := make([]provider.Entry, 0, len(candidates))
	for _, cand := range candidates {
		ranked = append(ranked, cand.entry)
	}
	return ranked, nil
}

func score(taskType TaskType, profile provider.Profile, quotaHealth, maxCost float64) float64 {
	return weightCapability*capabilityFit(taskType, profile) +
		weightQuotaHealth*quotaHealth -
		weightCostPenalty*costPenalty(profile, maxCost)
}

func capabilityFit(taskType TaskType, profile provider.Profile) float64 {
	switch taskType {
	case TaskReasoning:
		if profile.SupportsReasoning {
			return 1.0
		}
		return 0.3
	case TaskSpeedCritical:
		return 1 / (1 + profile.AvgLatencySeconds)
	case TaskDevelopment:
		if profile.IsFree {
			return 1.0
		}
		return 0.0
	default: // chat
		fit := 0.8
		if profile.SupportsReasoning {
			fit += 0.1
		}
		return fit
	}
}

func costPenalty(profile provider.Profile, maxCost float64) float64 {
	if profile.IsFree || profile.CostPer1MTokens <= 0 || maxCost <= 0 {
		return 0
	}
	return profile.CostPer1MTokens / maxCost
}
