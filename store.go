package asidecache

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/unkn0wn-root/asidecache/config"
	"github.com/unkn0wn-root/asidecache/internal/wire"
	pr "github.com/unkn0wn-root/asidecache/provider"
)

// store is the cache client adapter: every provider call runs under a short
// timeout and through a circuit breaker, and every failure comes back wrapped
// in ErrCacheUnavailable. While the breaker is open calls fail immediately, so
// an unhealthy cache costs no more than having no cache.
type store struct {
	p       pr.Provider
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

func newStore(p pr.Provider, name string, timeout time.Duration, b config.Breaker, log Logger) *store {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: b.MaxRequests,
		Interval:    b.Interval,
		Timeout:     b.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < b.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= b.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("cache breaker state changed", Fields{"breaker": name, "from": from.String(), "to": to.String()})
		},
		// the caller giving up says nothing about the store's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &store{p: p, timeout: timeout, cb: cb}
}

func (s *store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.cb.Execute(func() (any, error) {
		return nil, fn(cctx)
	})
	if err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *store) get(ctx context.Context, k string) (raw []byte, ok bool, err error) {
	err = s.do(ctx, "get", func(ctx context.Context) error {
		var e error
		raw, ok, e = s.p.Get(ctx, k)
		return e
	})
	return raw, ok, err
}

func (s *store) set(ctx context.Context, k string, raw []byte, cost int64, ttl time.Duration) (ok bool, err error) {
	err = s.do(ctx, "set", func(ctx context.Context) error {
		var e error
		ok, e = s.p.Set(ctx, k, raw, cost, ttl)
		return e
	})
	return ok, err
}

func (s *store) setNX(ctx context.Context, k string, raw []byte, ttl time.Duration) (ok bool, err error) {
	err = s.do(ctx, "setnx", func(ctx context.Context) error {
		var e error
		ok, e = s.p.SetNX(ctx, k, raw, ttl)
		return e
	})
	return ok, err
}

func (s *store) del(ctx context.Context, k string) error {
	return s.do(ctx, "del", func(ctx context.Context) error {
		return s.p.Del(ctx, k)
	})
}

// delIfRaw deletes k only while it still holds exactly raw.
func (s *store) delIfRaw(ctx context.Context, k string, raw []byte) (deleted bool, err error) {
	err = s.do(ctx, "cad", func(ctx context.Context) error {
		var e error
		deleted, e = s.p.CompareAndDelete(ctx, k, raw)
		return e
	})
	return deleted, err
}

// compareAndDelete deletes the entry under k only if its version stamp is
// expectedStamp. Absent keys and foreign stamps leave the store untouched.
func (s *store) compareAndDelete(ctx context.Context, k string, expectedStamp uint64) (bool, error) {
	raw, ok, err := s.get(ctx, k)
	if err != nil || !ok {
		return false, err
	}
	stamp, err := wire.PeekStamp(raw)
	if err != nil || stamp != expectedStamp {
		return false, nil
	}
	return s.delIfRaw(ctx, k, raw)
}

func (s *store) close(ctx context.Context) error { return s.p.Close(ctx) }
