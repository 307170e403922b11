package quota

import (
	"context"
	"fmt"
	"time"
)

// Window identifies one quota time bucket size.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
	WindowMonth  Window = "month"
)

// Windows lists every window the tracker understands, smallest first.
var Windows = []Window{WindowMinute, WindowDay, WindowMonth}

// Limits holds the quota ceilings for one provider. A zero field means the
// corresponding window is unlimited.
type Limits struct {
	RequestsPerMinute  int
	RequestsPerDay     int
	TokensPerMonth     int64
	CostCapPerMonthUSD float64
}

func (l Limits) enabled() bool {
	return l.RequestsPerMinute > 0 || l.RequestsPerDay > 0 || l.TokensPerMonth > 0 || l.CostCapPerMonthUSD > 0
}

// Tracker answers whether a provider can accept one more unit of work and
// records actual consumption afterwards. Buckets live in fixed windows keyed
// by truncated timestamp, so counters reset by expiry rather than deletion;
// bucket-edge bursting across a boundary is accepted behavior.
type Tracker struct {
	store        Store
	limits       map[string]Limits
	customerCaps map[string]float64
	nowFn        func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:        store,
		limits:       make(map[string]Limits),
		customerCaps: make(map[string]float64),
		nowFn:        func() time.Time { return time.Now().UTC() },
	}
}

// SetLimits registers the ceilings for a provider. Called once at startup.
func (t *Tracker) SetLimits(providerName string, limits Limits) {
	t.limits[providerName] = limits
}

// SetCustomerCap registers a monthly spend ceiling for one customer.
func (t *Tracker) SetCustomerCap(customerID string, monthlyCostCapUSD float64) {
	t.customerCaps[customerID] = monthlyCostCapUSD
}

// CustomerCap returns the configured monthly spend ceiling, 0 when absent.
func (t *Tracker) CustomerCap(customerID string) float64 {
	return t.customerCaps[customerID]
}

type reserveStep struct {
	key     string
	delta   float64
	ttl     time.Duration
	ceiling float64
}

func (t *Tracker) steps(providerName string, limits Limits, estimatedTokens int64, estimatedCostUSD float64, now time.Time) []reserveStep {
	var steps []reserveStep
	if limits.RequestsPerMinute > 0 {
		steps = append(steps, reserveStep{
			key:     bucketKey(providerName, "req", WindowMinute, now),
			delta:   1,
			ttl:     windowTTL(WindowMinute),
			ceiling: float64(limits.RequestsPerMinute),
		})
	}
	if limits.RequestsPerDay > 0 {
		steps = append(steps, reserveStep{
			key:     bucketKey(providerName, "req", WindowDay, now),
			delta:   1,
			ttl:     windowTTL(WindowDay),
			ceiling: float64(limits.RequestsPerDay),
		})
	}
	if limits.TokensPerMonth > 0 {
		steps = append(steps, reserveStep{
			key:     bucketKey(providerName, "tok", WindowMonth, now),
			delta:   float64(estimatedTokens),
			ttl:     windowTTL(WindowMonth),
			ceiling: float64(limits.TokensPerMonth),
		})
	}
	if limits.CostCapPerMonthUSD > 0 {
		steps = append(steps, reserveStep{
			key:     bucketKey(providerName, "usd", WindowMonth, now),
			delta:   estimatedCostUSD,
			ttl:     windowTTL(WindowMonth),
			ceiling: limits.CostCapPerMonthUSD,
		})
	}
	return steps
}

// Reserve checks every applicable window against its ceiling and, if all
// pass, increments each window counter. A refusal leaves no side effect:
// already-applied increments are rolled back before returning.
func (t *Tracker) Reserve(ctx context.Context, providerName string, estimatedTokens int64, estimatedCostUSD float64) (bool, error) {
	limits, ok := t.limits[providerName]
	if !ok || !limits.enabled() {
		return true, nil
	}

	now := t.nowFn()
	steps := t.steps(providerName, limits, estimatedTokens, estimatedCostUSD, now)
	for i, step := range steps {
		accepted, err := t.store.Add(ctx, step.key, step.delta, step.ttl, step.ceiling)
		if err == nil && accepted {
			continue
		}
		t.rollback(ctx, steps[:i])
		if err != nil {
			return false, fmt.Errorf("reserve %s: %w", providerName, err)
		}
		return false, nil
	}
	return true, nil
}

// Commit reconciles a prior reservation with real usage, moving the token
// and cost counters by the delta. Reconciliation never fails a ceiling
// check; slight overshoot from underestimates is accepted.
func (t *Tracker) Commit(ctx context.Context, providerName string, estimatedTokens, actualTokens int64, estimatedCostUSD, actualCostUSD float64) error {
	limits, ok := t.limits[providerName]
	if !ok || !limits.enabled() {
		return nil
	}

	now := t.nowFn()
	if limits.TokensPerMonth > 0 && actualTokens != estimatedTokens {
		key := bucketKey(providerName, "tok", WindowMonth, now)
		if _, err := t.store.Add(ctx, key, float64(actualTokens-estimatedTokens), windowTTL(WindowMonth), 0); err != nil {
			return fmt.Errorf("commit %s tokens: %w", providerName, err)
		}
	}
	if limits.CostCapPerMonthUSD > 0 && actualCostUSD != estimatedCostUSD {
		key := bucketKey(providerName, "usd", WindowMonth, now)
		if _, err := t.store.Add(ctx, key, actualCostUSD-estimatedCostUSD, windowTTL(WindowMonth), 0); err != nil {
			return fmt.Errorf("commit %s cost: %w", providerName, err)
		}
	}
	return nil
}

// Release rolls back a reservation that was never dispatched.
func (t *Tracker) Release(ctx context.Context, providerName string, estimatedTokens int64, estimatedCostUSD float64) error {
	limits, ok := t.limits[providerName]
	if !ok || !limits.enabled() {
		return nil
	}

	now := t.nowFn()
	for _, step := range t.steps(providerName, limits, estimatedTokens, estimatedCostUSD, now) {
		if _, err := t.store.Add(ctx, step.key, -step.delta, step.ttl, 0); err != nil {
			return fmt.Errorf("release %s: %w", providerName, err)
		}
	}
	return nil
}

func (t *Tracker) rollback(ctx context.Context, applied []reserveStep) {
	for _, step := range applied {
		_, _ = t.store.Add(ctx, step.key, -step.delta, step.ttl, 0)
	}
}

// RemainingPct returns the fraction of the window's quota still available,
// in [0, 1]. Unlimited windows report 1.
func (t *Tracker) RemainingPct(ctx context.Context, providerName string, window Window) (float64, error) {
	limits := t.limits[providerName]
	now := t.nowFn()

	switch window {
	case WindowMinute:
		return t.remaining(ctx, bucketKey(providerName, "req", WindowMinute, now), float64(limits.RequestsPerMinute))
	case WindowDay:
		return t.remaining(ctx, bucketKey(providerName, "req", WindowDay, now), float64(limits.RequestsPerDay))
	case WindowMonth:
		tokensPct, err := t.remaining(ctx, bucketKey(providerName, "tok", WindowMonth, now), float64(limits.TokensPerMonth))
		if err != nil {
			return 0, err
		}
		costPct, err := t.remaining(ctx, bucketKey(providerName, "usd", WindowMonth, now), limits.CostCapPerMonthUSD)
		if err != nil {
			return 0, err
		}
		if costPct < tokensPct {
			return costPct, nil
		}
		return tokensPct, nil
	default:
		return 0, fmt.Errorf("unknown quota window %q", window)
	}
}

// HealthPct returns the minimum remaining fraction across every configured
// window, the quota-health signal used to spread load.
func (t *Tracker) HealthPct(ctx context.Context, providerName string) (float64, error) {
	minPct := 1.0
	for _, window := range Windows {
		pct, err := t.RemainingPct(ctx, providerName, window)
		if err != nil {
			return 0, err
		}
		if pct < minPct {
			minPct = pct
		}
	}
	return minPct, nil
}

// ReserveCustomerCost charges an estimated spend against a customer's
// monthly cap. Customers without a cap always succeed.
func (t *Tracker) ReserveCustomerCost(ctx context.Context, customerID string, estimatedCostUSD float64) (bool, error) {
	cap, ok := t.customerCaps[customerID]
	if !ok || cap <= 0 || estimatedCostUSD <= 0 {
		return true, nil
	}
	key := customerKey(customerID, t.nowFn())
	accepted, err := t.store.Add(ctx, key, estimatedCostUSD, windowTTL(WindowMonth), cap)
	if err != nil {
		return false, fmt.Errorf("reserve customer %s: %w", customerID, err)
	}
	return accepted, nil
}

// CommitCustomerCost reconciles a customer reservation with actual spend.
func (t *Tracker) CommitCustomerCost(ctx context.Context, customerID string, estimatedCostUSD, actualCostUSD float64) error {
	cap, ok := t.customerCaps[customerID]
	if !ok || cap <= 0 || actualCostUSD == estimatedCostUSD {
		return nil
	}
	key := customerKey(customerID, t.nowFn())
	if _, err := t.store.Add(ctx, key, actualCostUSD-estimatedCostUSD, windowTTL(WindowMonth), 0); err != nil {
		return fmt.Errorf("commit customer %s: %w", customerID, err)
	}
	return nil
}

// ReleaseCustomerCost rolls back an unused customer reservation.
func (t *Tracker) ReleaseCustomerCost(ctx context.Context, customerID string, estimatedCostUSD float64) error {
	cap, ok := t.customerCaps[customerID]
	if !ok || cap <= 0 || estimatedCostUSD <= 0 {
		return nil
	}
	key := customerKey(customerID, t.nowFn())
	if _, err := t.store.Add(ctx, key, -estimatedCostUSD, windowTTL(WindowMonth), 0); err != nil {
		return fmt.Errorf("release customer %s: %w", customerID, err)
	}
	return nil
}

func (t *Tracker) remaining(ctx context.Context, key string, ceiling float64) (float64, error) {
	if ceiling <= 0 {
		return 1, nil
	}
	used, err := t.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	pct := 1 - used/ceiling
	if pct < 0 {
		return 0, nil
	}
	if pct > 1 {
		return 1, nil
	}
	return pct, nil
}

func bucketKey(providerName, unit string, window Window, now time.Time) string {
	return "prov|" + providerName + "|" + unit + "|" + string(window) + "|" + truncateStamp(window, now)
}

func customerKey(customerID string, now time.Time) string {
	return "cust|" + customerID + "|usd|month|" + truncateStamp(WindowMonth, now)
}

func truncateStamp(window Window, now time.Time) string {
	now = now.UTC()
	switch window {
	case WindowMinute:
		return now.Format("200601021504")
	case WindowDay:
		return now.Format("20060102")
	default:
		return now.Format("200601")
	}
}

func windowTTL(window Window) time.Duration {
	switch window {
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	default:
		// Calendar months vary; 32 days always covers the keyed month.
		return 32 * 24 * time.Hour
	}
}
