package asidecache

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"time"
)

const (
	lockPrefix   = "lock:"
	minLockPoll  = 5 * time.Millisecond
	lockPollDivs = 10
)

// share runs fn at most once per key at a time within this process. The load
// itself is detached from the caller: a waiter whose context ends gets its
// context error back while the load carries on and populates the cache for
// everyone else.
func share[V, R any](ctx context.Context, cc *cache[V], k string, fn func(context.Context) (R, error)) (R, error) {
	var zero R
	detached := context.WithoutCancel(ctx)
	ch := cc.group.DoChan(k, func() (any, error) {
		r, err := fn(detached)
		return r, err
	})
	select {
	case res := <-ch:
		if res.Shared {
			cc.hooks.Coalesced(cc.typ)
		}
		r, _ := res.Val.(R)
		return r, res.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// acquireLoadLock takes the cross-process load lock for k. When another
// process holds it, the caller polls the cache for up to LockWait and then
// loads anyway. A non-miss outcome means the entry showed up meanwhile and r,
// err are the answer. release is never nil.
func acquireLoadLock[V, R any](ctx context.Context, cc *cache[V], k string, sh shape[R]) (release func(), r R, out outcome, err error) {
	release = func() {}
	lk := lockPrefix + k
	token := lockToken()

	ok, err := cc.store.setNX(ctx, lk, token, cc.set.LockTTL)
	if err != nil {
		cc.hooks.CacheUnavailable("setnx", err)
		return release, r, outMiss, nil
	}
	if !ok {
		cc.hooks.LockContended(k)
		r, out, err = waitForFill(ctx, cc, k, sh)
		return release, r, out, err
	}

	release = func() {
		if _, err := cc.store.delIfRaw(context.WithoutCancel(ctx), lk, token); err != nil {
			cc.hooks.CacheUnavailable("cad", err)
		}
	}
	// the previous holder may have filled the key just before we got the lock
	if r, out, err = lookup(ctx, cc, k, sh); out != outMiss {
		release()
		return func() {}, r, out, err
	}
	return release, r, outMiss, nil
}

func waitForFill[V, R any](ctx context.Context, cc *cache[V], k string, sh shape[R]) (R, outcome, error) {
	var zero R
	if cc.set.LockWait <= 0 {
		return zero, outMiss, nil
	}
	every := max(cc.set.LockWait/lockPollDivs, minLockPoll)
	deadline := time.NewTimer(cc.set.LockWait)
	defer deadline.Stop()
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return zero, outMiss, nil
		case <-deadline.C:
			cc.log.Debug("lock wait elapsed; loading", Fields{"key": k})
			return zero, outMiss, nil
		case <-tick.C:
			if r, out, err := lookup(ctx, cc, k, sh); out != outMiss {
				return r, out, err
			}
		}
	}
}

func lockToken() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], rand.Uint64())
	binary.BigEndian.PutUint64(b[8:], rand.Uint64())
	return b
}
