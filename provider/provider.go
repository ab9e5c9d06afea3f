// Package provider defines the byte store contract used by asidecache.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set or SetNX for a key (no
// prepended/appended metadata, no re-encoding, no mutation).
//
// The cache owns every key it writes, including "lock:" prefixed keys used for
// distributed load locks. Foreign writes under the configured namespace may be
// treated as corruption and deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs and two atomic primitives.
// Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// SetNX stores value only if key is absent. ok reports whether it was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// CompareAndDelete removes key only if its current value equals expected.
	// deleted=false with err=nil means the key was absent or held other bytes.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (deleted bool, err error)

	// Close releases resources.
	Close(ctx context.Context) error
}
