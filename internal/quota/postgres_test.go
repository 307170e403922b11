package quota

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("OMNIROUTE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("OMNIROUTE_TEST_POSTGRES_DSN is not set")
	}

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close postgres store: %v", err)
		}
	})
	return store
}

func uniqueKey(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPostgresStoreRejectsEmptyDSN(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore("  "); err == nil {
		t.Fatal("NewPostgresStore(blank) must error")
	}
}

func TestPostgresStoreAddAndCeiling(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	key := uniqueKey("pg-add")

	for i := 0; i < 3; i++ {
		ok, err := store.Add(ctx, key, 1, time.Minute, 3)
		if err != nil || !ok {
			t.Fatalf("Add() #%d = (%v, %v), want accepted", i+1, ok, err)
		}
	}
	ok, err := store.Add(ctx, key, 1, time.Minute, 3)
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if ok {
		t.Fatal("Add() above the ceiling must be refused")
	}

	value, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if value != 3 {
		t.Fatalf("value=%v, want 3", value)
	}
}

func TestPostgresStoreNegativeDeltaClampsAtZero(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	key := uniqueKey("pg-clamp")

	if ok, err := store.Add(ctx, key, 2, time.Minute, 0); err != nil || !ok {
		t.Fatalf("Add() = (%v, %v), want accepted", ok, err)
	}
	if ok, err := store.Add(ctx, key, -5, time.Minute, 0); err != nil || !ok {
		t.Fatalf("negative Add() = (%v, %v), want accepted", ok, err)
	}
	value, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if value != 0 {
		t.Fatalf("value=%v after over-release, want clamped 0", value)
	}
}

func TestPostgresStoreExpiredBucketResets(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	key := uniqueKey("pg-expire")

	if ok, err := store.Add(ctx, key, 5, time.Second, 0); err != nil || !ok {
		t.Fatalf("Add() = (%v, %v), want accepted", ok, err)
	}
	time.Sleep(1100 * time.Millisecond)

	value, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if value != 0 {
		t.Fatalf("expired bucket reads %v, want 0", value)
	}

	// The next add restarts the bucket instead of resuming the stale value.
	if ok, err := store.Add(ctx, key, 1, time.Minute, 4); err != nil || !ok {
		t.Fatalf("Add() after expiry = (%v, %v), want accepted", ok, err)
	}
	value, _ = store.Get(ctx, key)
	if value != 1 {
		t.Fatalf("value=%v after post-expiry add, want 1", value)
	}
}

func TestPostgresStoreConcurrentAddsRespectCeiling(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	key := uniqueKey("pg-race")

	const workers = 20
	var wg sync.WaitGroup
	accepted := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Add(ctx, key, 1, time.Minute, 5)
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
	if wins != 5 {
		t.Fatalf("accepted=%d concurrent adds, want exactly the ceiling 5", wins)
	}
}
