// Package asynchook moves hook delivery off the request path.
//
// usage:
//
//	import (
//	    "github.com/unkn0wn-root/asidecache"
//	    c "github.com/unkn0wn-root/asidecache/codec"
//	    asynchook "github.com/unkn0wn-root/asidecache/hooks/async"
//	    sloghooks "github.com/unkn0wn-root/asidecache/hooks/slog"
//	)
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	users, _ := asidecache.New[User](asidecache.Options[User]{
//	    ResourceType: "user",
//	    Provider:     provider,
//	    Codec:        c.JSON[User]{},
//	    Loader:       loader,
//	    Hooks:        hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/asidecache"
)

// Hooks queues events for a fixed pool of workers. Events that do not fit in
// the queue are dropped and counted.
type Hooks struct {
	inner asidecache.Hooks
	q     chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ asidecache.Hooks = (*Hooks)(nil)

func New(inner asidecache.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = asidecache.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped is the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) Hit(t string)         { h.try(func() { h.inner.Hit(t) }) }
func (h *Hooks) Miss(t string)        { h.try(func() { h.inner.Miss(t) }) }
func (h *Hooks) NegativeHit(t string) { h.try(func() { h.inner.NegativeHit(t) }) }
func (h *Hooks) Coalesced(t string)   { h.try(func() { h.inner.Coalesced(t) }) }
func (h *Hooks) LoadDone(t string, took time.Duration, err error) {
	h.try(func() { h.inner.LoadDone(t, took, err) })
}
func (h *Hooks) SelfHeal(k, r string)                  { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) CacheUnavailable(op string, err error) { h.try(func() { h.inner.CacheUnavailable(op, err) }) }
func (h *Hooks) ProviderSetRejected(k string)          { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) GenError(op string, err error)         { h.try(func() { h.inner.GenError(op, err) }) }
func (h *Hooks) InvalidationFailed(k string, err error) {
	h.try(func() { h.inner.InvalidationFailed(k, err) })
}
func (h *Hooks) InvalidateOutage(ref string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(ref, be, de) })
}
func (h *Hooks) LockContended(k string) { h.try(func() { h.inner.LockContended(k) }) }
