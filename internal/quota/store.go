package quota

import (
	"context"
	"time"
)

// Store is the counter backend for the tracker. An in-memory map serves a
// single process; a shared store with the same atomic contract serves
// multi-process deployments.
type Store interface {
	// Add atomically applies delta to the bucket at key, creating the bucket
	// with the given ttl when absent or expired. When ceiling > 0 and the
	// result would exceed it, the bucket is left untouched and ok is false.
	// Negative deltas never fail the ceiling check and clamp at zero.
	Add(ctx context.Context, key string, delta float64, ttl time.Duration, ceiling float64) (ok bool, err error)

	// Get returns the current bucket value, or 0 for absent/expired buckets.
	Get(ctx context.Context, key string) (float64, error)
}
