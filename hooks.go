package asidecache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// Read outcomes, per resource type.
	Hit(resourceType string)
	Miss(resourceType string)
	NegativeHit(resourceType string)

	// A caller received the result of a load it shared with other callers.
	Coalesced(resourceType string)

	// A data-store load finished. err is nil, ErrNotFound, or the source error.
	LoadDone(resourceType string, took time.Duration, err error)

	// An entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "expired", "stale", "value_decode"}
	SelfHeal(storageKey, reason string)

	// A cache-store call failed and was degraded to a miss / no-op.
	// op ∈ {"get", "set", "setnx", "del", "cad"}
	CacheUnavailable(op string, err error)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// GenStore errors. op ∈ {"snapshot", "bump"}
	GenError(op string, err error)

	// A dependent key could not be deleted on write.
	InvalidationFailed(storageKey string, err error)

	// Both gen bump and delete failed during NotifyWrite (likely backend outage).
	InvalidateOutage(ref string, bumpErr, delErr error)

	// Another process holds the distributed load lock for the key.
	LockContended(storageKey string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) Hit(string)                            {}
func (NopHooks) Miss(string)                           {}
func (NopHooks) NegativeHit(string)                    {}
func (NopHooks) Coalesced(string)                      {}
func (NopHooks) LoadDone(string, time.Duration, error) {}
func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) CacheUnavailable(string, error)        {}
func (NopHooks) ProviderSetRejected(string)            {}
func (NopHooks) GenError(string, error)                {}
func (NopHooks) InvalidationFailed(string, error)      {}
func (NopHooks) InvalidateOutage(string, error, error) {}
func (NopHooks) LockContended(string)                  {}

// MultiHooks fans every event out to each member in order.
type MultiHooks []Hooks

var _ Hooks = MultiHooks(nil)

func (m MultiHooks) Hit(t string) {
	for _, h := range m {
		h.Hit(t)
	}
}

func (m MultiHooks) Miss(t string) {
	for _, h := range m {
		h.Miss(t)
	}
}

func (m MultiHooks) NegativeHit(t string) {
	for _, h := range m {
		h.NegativeHit(t)
	}
}

func (m MultiHooks) Coalesced(t string) {
	for _, h := range m {
		h.Coalesced(t)
	}
}

func (m MultiHooks) LoadDone(t string, took time.Duration, err error) {
	for _, h := range m {
		h.LoadDone(t, took, err)
	}
}

func (m MultiHooks) SelfHeal(k, reason string) {
	for _, h := range m {
		h.SelfHeal(k, reason)
	}
}

func (m MultiHooks) CacheUnavailable(op string, err error) {
	for _, h := range m {
		h.CacheUnavailable(op, err)
	}
}

func (m MultiHooks) ProviderSetRejected(k string) {
	for _, h := range m {
		h.ProviderSetRejected(k)
	}
}

func (m MultiHooks) GenError(op string, err error) {
	for _, h := range m {
		h.GenError(op, err)
	}
}

func (m MultiHooks) InvalidationFailed(k string, err error) {
	for _, h := range m {
		h.InvalidationFailed(k, err)
	}
}

func (m MultiHooks) InvalidateOutage(ref string, bumpErr, delErr error) {
	for _, h := range m {
		h.InvalidateOutage(ref, bumpErr, delErr)
	}
}

func (m MultiHooks) LockContended(k string) {
	for _, h := range m {
		h.LockContended(k)
	}
}
