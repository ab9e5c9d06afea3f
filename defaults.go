package asidecache

import (
	"time"

	"github.com/unkn0wn-root/asidecache/config"
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// settingsOrDefault fills the fields a cache cannot run without.
// A fully zero Settings is config.Default().
func settingsOrDefault(s config.Settings) config.Settings {
	def := config.Default()
	if s == (config.Settings{}) {
		return def
	}
	s.BaseTTL = coalesce[time.Duration](s.BaseTTL, def.BaseTTL)
	s.CacheTimeout = coalesce[time.Duration](s.CacheTimeout, def.CacheTimeout)
	s.LoadTimeout = coalesce[time.Duration](s.LoadTimeout, def.LoadTimeout)
	if s.EdgeRetention == 0 {
		s.EdgeRetention = max(def.EdgeRetention, 2*s.BaseTTL)
	}
	if s.DistributedLock {
		s.LockTTL = coalesce[time.Duration](s.LockTTL, def.LockTTL)
	}
	if s.Breaker == (config.Breaker{}) {
		s.Breaker = def.Breaker
	}
	s.Breaker.MaxRequests = coalesce[uint32](s.Breaker.MaxRequests, def.Breaker.MaxRequests)
	s.Breaker.Timeout = coalesce[time.Duration](s.Breaker.Timeout, def.Breaker.Timeout)
	s.Breaker.FailureRatio = coalesce[float64](s.Breaker.FailureRatio, def.Breaker.FailureRatio)
	s.Breaker.MinRequests = coalesce[uint32](s.Breaker.MinRequests, def.Breaker.MinRequests)
	return s
}
