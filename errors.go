package asidecache

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/asidecache/key"
)

var (
	// ErrNotFound is returned when the data store reports that a resource does
	// not exist. Loaders return it (or wrap it) to enable negative caching.
	ErrNotFound = errors.New("asidecache: not found")

	// ErrCacheUnavailable wraps transport, timeout and open-breaker failures of
	// the cache store. It never reaches callers of Get or Query.
	ErrCacheUnavailable = errors.New("asidecache: cache unavailable")

	ErrNoQueryLoader = errors.New("asidecache: no QueryLoader configured")
)

// KeyBuildError reports a malformed identity or query.
type KeyBuildError = key.BuildError

// SourceLoadError is returned to the loader and to every caller that waited on
// the same load when the data store failed.
type SourceLoadError struct {
	Key string
	Err error
	// Cached is true when the failure was replayed from a cached failure entry.
	Cached bool
}

func (e *SourceLoadError) Error() string {
	if e.Cached {
		return fmt.Sprintf("asidecache: load %q failed (cached): %v", e.Key, e.Err)
	}
	return fmt.Sprintf("asidecache: load %q failed: %v", e.Key, e.Err)
}

func (e *SourceLoadError) Unwrap() error { return e.Err }

// InvalidateError is returned by NotifyWrite when both the generation bump and
// at least one delete failed. Stale entries may then survive until their TTL.
type InvalidateError struct {
	Ref     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Ref, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Ref, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Ref, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Ref)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCacheUnavailable, op, err)
}
