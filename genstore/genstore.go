// Package genstore keeps per-resource generation counters.
//
// Every write to a resource bumps its generation. Cache entries record the
// generations they were loaded under, and readers reject entries whose
// generations moved. This closes the window where a load that started before
// a write repopulates the cache with the superseded value after the write's
// invalidation already ran.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use LocalGenStore (default) for in-process gens, or RedisGenStore to share
// them between replicas.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, ref string) (uint64, error)
	// SnapshotMany returns gens for many refs; missing => 0.
	SnapshotMany(ctx context.Context, refs []string) (map[string]uint64, error)
	// BumpMany atomically increments each ref and returns the new generations.
	BumpMany(ctx context.Context, refs []string) (map[string]uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
