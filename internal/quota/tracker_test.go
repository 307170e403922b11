package quota

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestTracker(t *testing.T) (*Tracker, *MemoryStore, time.Time) {
	t.Helper()
	at := time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.nowFn = fixedClock(at)
	tracker := NewTracker(store)
	tracker.nowFn = fixedClock(at)
	return tracker, store, at
}

func TestReserveWithoutLimitsAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t)
	ok, err := tracker.Reserve(context.Background(), "unlimited", 500, 0.01)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	if !ok {
		t.Fatal("provider without limits must accept every reservation")
	}
}

func TestReserveRefusesAtRequestCeiling(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t)
	tracker.SetLimits("remote-a", Limits{RequestsPerMinute: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := tracker.Reserve(ctx, "remote-a", 100, 0)
		if err != nil || !ok {
			t.Fatalf("Reserve() #%d = (%v, %v), want accepted", i+1, ok, err)
		}
	}

	ok, err := tracker.Reserve(ctx, "remote-a", 100, 0)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	if ok {
		t.Fatal("third reservation must be refused at a 2/minute ceiling")
	}
}

func TestRefusedReservationLeavesNoPartialState(t *testing.T) {
	t.Parallel()

	// Minute window accepts, month token window refuses: the minute
	// increment must be rolled back.
	tracker, store, at := newTestTracker(t)
	tracker.SetLimits("remote-a", Limits{RequestsPerMinute: 10, TokensPerMonth: 1000})
	ctx := context.Background()

	ok, err := tracker.Reserve(ctx, "remote-a", 5000, 0)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	if ok {
		t.Fatal("reservation above the monthly token ceiling must be refused")
	}

	minuteUsed, err := store.Get(ctx, bucketKey("remote-a", "req", WindowMinute, at))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if minuteUsed != 0 {
		t.Fatalf("minute counter=%v after refused reservation, want 0", minuteUsed)
	}
}

func TestReleaseRestoresReservedCapacity(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t)
	tracker.SetLimits("remote-a", Limits{RequestsPerMinute: 1})
	ctx := context.Background()

	if ok, _ := tracker.Reserve(ctx, "remote-a", 100, 0); !ok {
		t.Fatal("first reservation must be accepted")
	}
	if ok, _ := tracker.Reserve(ctx, "remote-a", 100, 0); ok {
		t.Fatal("second reservation must be refused")
	}
	if err := tracker.Release(ctx, "remote-a", 100, 0); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if ok, _ := tracker.Reserve(ctx, "remote-a", 100, 0); !ok {
		t.Fatal("reservation after release must be accepted")
	}
}

func TestCommitReconcilesTokenDelta(t *testing.T) {
	t.Parallel()

	tracker, store, at := newTestTracker(t)
	tracker.SetLimits("remote-a", Limits{TokensPerMonth: 10000})
	ctx := context.Background()

	if ok, _ := tracker.Reserve(ctx, "remote-a", 1000, 0); !ok {
		t.Fatal("reservation must be accepted")
	}
	if err := tracker.Commit(ctx, "remote-a", 1000, 1400, 0, 0); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	used, err := store.Get(ctx, bucketKey("remote-a", "tok", WindowMonth, at))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if used != 1400 {
		t.Fatalf("monthly token counter=%v, want 1400 (actual usage)", used)
	}
}

func TestCommitOvershootNeverFails(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t)
	tracker.SetLimits("remote-a", Limits{TokensPerMonth: 1000})
	ctx := context.Background()

	if ok, _ := tracker.Reserve(ctx, "remote-a", 900, 0); !ok {
		t.Fatal("reservation must be accepted")
	}
	// Actual usage exceeds the ceiling; reconciliation still lands.
	if err := tracker.Commit(ctx, "remote-a", 900, 1200, 0, 0); err != nil {
		t.Fatalf("Commit() overshoot error: %v", err)
	}

	pct, err := tracker.RemainingPct(ctx, "remote-a", WindowMonth)
	if err != nil {
		t.Fatalf("RemainingPct() error: %v", err)
	}
	if pct != 0 {
		t.Fatalf("RemainingPct()=%v after overshoot, want clamped 0", pct)
	}
}

func TestRemainingPctPerWindow(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t)
	tracker.SetLimits("remote-a", Limits{
		RequestsPerMinute: 4,
		RequestsPerDay:    100,
		TokensPerMonth:    1000,
	})
	ctx := context.Background()

	if ok, _ := tracker.Reserve(ctx, "remote-a", 250, 0); !ok {
		t.Fatal("reservation must be accepted")
	}

	cases := []struct {
		window Window
		want   float64
	}{
		{WindowMinute, 0.75},
		{WindowDay, 0.99},
		{WindowMonth, 0.75},
	}
	for _, tc := range cases {
		pct, err := tracker.RemainingPct(ctx, "remote-a", tc.window)
		if err != nil {
			t.Fatalf("RemainingPct(%s) error: %v", tc.window, err)
		}
		if math.Abs(pct-tc.want) > 1e-9 {
			t.Fatalf("RemainingPct(%s)=%v, want %v", tc.window, pct, tc.want)
		}
	}

	health, err := tracker.HealthPct(ctx, "remote-a")
	if err != nil {
		t.Fatalf("HealthPct() error: %v", err)
	}
	if math.Abs(health-0.75) > 1e-9 {
		t.Fatalf("HealthPct()=%v, want minimum window 0.75", health)
	}
}

func TestMonthWindowTakesWorseOfTokensAndCost(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t)
	tracker.SetLimits("remote-a", Limits{TokensPerMonth: 1000, CostCapPerMonthUSD: 10})
	ctx := context.Background()

	// 10% of tokens, 50% of cost.
	if ok, _ := tracker.Reserve(ctx, "remote-a", 100, 5); !ok {
		t.Fatal("reservation must be accepted")
	}

	pct, err := tracker.RemainingPct(ctx, "remote-a", WindowMonth)
	if err != nil {
		t.Fatalf("RemainingPct() error: %v", err)
	}
	if pct != 0.5 {
		t.Fatalf("RemainingPct(month)=%v, want worse dimension 0.5", pct)
	}
}

func TestMinuteBucketResetsAcrossBoundary(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 14, 10, 30, 55, 0, time.UTC)
	store := NewMemoryStore()
	store.nowFn = fixedClock(at)
	tracker := NewTracker(store)
	tracker.nowFn = fixedClock(at)
	tracker.SetLimits("remote-a", Limits{RequestsPerMinute: 1})
	ctx := context.Background()

	if ok, _ := tracker.Reserve(ctx, "remote-a", 0, 0); !ok {
		t.Fatal("first reservation must be accepted")
	}
	if ok, _ := tracker.Reserve(ctx, "remote-a", 0, 0); ok {
		t.Fatal("second reservation in the same minute must be refused")
	}

	// Next calendar minute keys a fresh bucket.
	later := at.Add(10 * time.Second)
	store.nowFn = fixedClock(later)
	tracker.nowFn = fixedClock(later)
	if ok, _ := tracker.Reserve(ctx, "remote-a", 0, 0); !ok {
		t.Fatal("reservation in the next minute must be accepted")
	}
}

func TestCustomerCostCap(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t)
	tracker.SetCustomerCap("cus_42", 10)
	ctx := context.Background()

	ok, err := tracker.ReserveCustomerCost(ctx, "cus_42", 8)
	if err != nil || !ok {
		t.Fatalf("ReserveCustomerCost() = (%v, %v), want accepted", ok, err)
	}
	ok, err = tracker.ReserveCustomerCost(ctx, "cus_42", 5)
	if err != nil {
		t.Fatalf("ReserveCustomerCost() error: %v", err)
	}
	if ok {
		t.Fatal("reservation above customer cap must be refused")
	}

	// Uncapped customers never refuse.
	ok, err = tracker.ReserveCustomerCost(ctx, "cus_other", 1e6)
	if err != nil || !ok {
		t.Fatalf("uncapped ReserveCustomerCost() = (%v, %v), want accepted", ok, err)
	}

	if err := tracker.ReleaseCustomerCost(ctx, "cus_42", 8); err != nil {
		t.Fatalf("ReleaseCustomerCost() error: %v", err)
	}
	ok, err = tracker.ReserveCustomerCost(ctx, "cus_42", 5)
	if err != nil || !ok {
		t.Fatalf("ReserveCustomerCost() after release = (%v, %v), want accepted", ok, err)
	}
}

func TestMemoryStoreConcurrentAddsRespectCeiling(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	accepted := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Add(ctx, "shared", 1, time.Minute, 10)
			if err != nil {
				t.Errorf("Add() error: %v", err)
				return
			}
			accepted <- ok
		}()
	}
	wg.Wait()
	close(accepted)

	wins := 0
	for ok := range accepted {
		if ok {
			wins++
		}
	}
	if wins != 10 {
		t.Fatalf("accepted=%d concurrent adds, want exactly the ceiling 10", wins)
	}

	value, err := store.Get(ctx, "shared")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if value != 10 {
		t.Fatalf("counter=%v, want 10", value)
	}
}

func TestMemoryStoreNegativeDeltaClampsAtZero(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Add(ctx, "k", -5, time.Minute, 0); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	value, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if value != 0 {
		t.Fatalf("counter=%v after negative add on empty bucket, want 0", value)
	}
}

func TestMemoryStoreExpiredBucketReads(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.nowFn = fixedClock(at)
	ctx := context.Background()

	if _, err := store.Add(ctx, "k", 3, time.Minute, 0); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	store.nowFn = fixedClock(at.Add(2 * time.Minute))
	value, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if value != 0 {
		t.Fatalf("expired bucket reads %v, want 0", value)
	}

	// A fresh add after expiry starts from zero.
	ok, err := store.Add(ctx, "k", 1, time.Minute, 2)
	if err != nil || !ok {
		t.Fatalf("Add() after expiry = (%v, %v), want accepted", ok, err)
	}
	value, _ = store.Get(ctx, "k")
	if value != 1 {
		t.Fatalf("counter=%v after post-expiry add, want 1", value)
	}
}
