package asidecache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/asidecache/codec"
	"github.com/unkn0wn-root/asidecache/config"
	gen "github.com/unkn0wn-root/asidecache/genstore"
	"github.com/unkn0wn-root/asidecache/internal/wire"
	"github.com/unkn0wn-root/asidecache/key"
	pr "github.com/unkn0wn-root/asidecache/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// memProvider is a goroutine-safe in-memory Provider. err, when set, fails
// every call; delErr fails only deletes.
type memProvider struct {
	mu         sync.Mutex
	m          map[string]memEntry
	err        error
	delErr     error
	rejectSets bool
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

func (p *memProvider) raw(key string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[key].v
}

func (p *memProvider) put(key string, v []byte) {
	p.mu.Lock()
	p.m[key] = memEntry{v: v}
	p.mu.Unlock()
}

func (p *memProvider) getLocked(key string) ([]byte, bool) {
	e, ok := p.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false
	}
	return e.v, true
}

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, false, p.err
	}
	v, ok := p.getLocked(key)
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	if p.rejectSets {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	if _, ok := p.getLocked(key); ok {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.delErr != nil {
		return p.delErr
	}
	delete(p.m, key)
	return nil
}

func (p *memProvider) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	v, ok := p.getLocked(key)
	if !ok || string(v) != string(expected) {
		return false, nil
	}
	delete(p.m, key)
	return true, nil
}

func (p *memProvider) Close(context.Context) error { return nil }

// stallingProvider holds its first Get, after reading, until release closes.
type stallingProvider struct {
	*memProvider
	once    sync.Once
	stalled chan struct{}
	release chan struct{}
}

func (p *stallingProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := p.memProvider.Get(ctx, key)
	p.once.Do(func() {
		close(p.stalled)
		<-p.release
	})
	return v, ok, err
}

type user struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// db stands in for the data store.
type db struct {
	mu      sync.Mutex
	rows    map[string]user
	err     error
	delay   time.Duration
	loads   atomic.Int64
	queries atomic.Int64
}

func newDB(rows ...user) *db {
	d := &db{rows: make(map[string]user)}
	for _, u := range rows {
		d.rows[u.ID] = u
	}
	return d
}

func (d *db) put(u user) {
	d.mu.Lock()
	d.rows[u.ID] = u
	d.mu.Unlock()
}

func (d *db) remove(id string) {
	d.mu.Lock()
	delete(d.rows, id)
	d.mu.Unlock()
}

func (d *db) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *db) Load(ctx context.Context, id string) (user, error) {
	d.loads.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return user{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return user{}, d.err
	}
	u, ok := d.rows[id]
	if !ok {
		return user{}, ErrNotFound
	}
	return u, nil
}

func (d *db) LoadQuery(_ context.Context, params key.Params) ([]user, error) {
	d.queries.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	onlyActive, _ := params["active"].(bool)
	var out []user
	for _, u := range d.rows {
		if onlyActive && !u.Active {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// recHooks records events for assertions.
type recHooks struct {
	NopHooks
	mu     sync.Mutex
	counts map[string]int
	heals  []string
	errs   []error
}

func newRecHooks() *recHooks { return &recHooks{counts: make(map[string]int)} }

func (h *recHooks) inc(name string) {
	h.mu.Lock()
	h.counts[name]++
	h.mu.Unlock()
}

func (h *recHooks) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[name]
}

func (h *recHooks) Hit(string)                       { h.inc("hit") }
func (h *recHooks) Miss(string)                      { h.inc("miss") }
func (h *recHooks) NegativeHit(string)               { h.inc("negative_hit") }
func (h *recHooks) Coalesced(string)                 { h.inc("coalesced") }
func (h *recHooks) ProviderSetRejected(string)       { h.inc("set_rejected") }
func (h *recHooks) LockContended(string)             { h.inc("lock_contended") }
func (h *recHooks) InvalidationFailed(string, error) { h.inc("invalidation_failed") }
func (h *recHooks) InvalidateOutage(string, error, error) {
	h.inc("invalidate_outage")
}

func (h *recHooks) SelfHeal(_, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	h.mu.Unlock()
}

func (h *recHooks) CacheUnavailable(_ string, err error) {
	h.mu.Lock()
	h.counts["unavailable"]++
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recHooks) healed(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.heals {
		if r == reason {
			return true
		}
	}
	return false
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, mp pr.Provider, d *db, optsOpt func(*Options[user])) Cache[user] {
	t.Helper()
	opts := Options[user]{
		ResourceType: "user",
		Provider:     mp,
		Codec:        c.JSON[user]{},
		Loader:       d,
		QueryLoader:  d,
		IdentityOf:   func(u user) string { return u.ID },
		Settings:     config.Default(),
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New[user](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(context.Background()) })
	return cc
}

func mustImpl[V any](t *testing.T, cc Cache[V]) *cache[V] {
	t.Helper()
	impl, ok := cc.(*cache[V])
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	return impl
}

func mustKey(t *testing.T, cc Cache[user], id any) string {
	t.Helper()
	k, err := cc.Key(id)
	if err != nil {
		t.Fatalf("Key(%v): %v", id, err)
	}
	return k
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	mp := newMemProvider()
	d := newDB()
	base := Options[user]{ResourceType: "user", Provider: mp, Codec: c.JSON[user]{}, Loader: d}

	cases := map[string]func(o *Options[user]){
		"no provider":  func(o *Options[user]) { o.Provider = nil },
		"no codec":     func(o *Options[user]) { o.Codec = nil },
		"no loader":    func(o *Options[user]) { o.Loader = nil },
		"empty type":   func(o *Options[user]) { o.ResourceType = "" },
		"colon type":   func(o *Options[user]) { o.ResourceType = "a:b" },
		"bad settings": func(o *Options[user]) { o.Settings = config.Default(); o.Settings.JitterFraction = 2 },
		"bad dep type": func(o *Options[user]) { o.DependsOnTypes = []string{"a:b"} },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			o := base
			mut(&o)
			if cc, err := New[user](o); err == nil || cc != nil {
				t.Fatalf("expected error, got cache=%v err=%v", cc, err)
			}
		})
	}

	cc, err := New[user](base)
	if err != nil {
		t.Fatalf("zero settings should use defaults: %v", err)
	}
	defer cc.Close(context.Background())
	if got := mustImpl(t, cc).set.BaseTTL; got != config.Default().BaseTTL {
		t.Fatalf("BaseTTL = %v, want default", got)
	}
}

func TestReadThroughThenHit(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})
	h := newRecHooks()
	cc := newTestCache(t, mp, d, func(o *Options[user]) { o.Hooks = h })

	for i := 0; i < 3; i++ {
		got, err := cc.Get(ctx, 1)
		if err != nil || got.Name != "Ada" {
			t.Fatalf("Get #%d = %+v, %v", i, got, err)
		}
	}
	if n := d.loads.Load(); n != 1 {
		t.Fatalf("loads = %d, want 1", n)
	}
	if h.count("miss") != 1 || h.count("hit") != 2 {
		t.Fatalf("miss=%d hit=%d", h.count("miss"), h.count("hit"))
	}
	if k := mustKey(t, cc, "1"); k != "app:v1:user:id:1" || !mp.has(k) {
		t.Fatalf("unexpected key %q or missing entry", k)
	}
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})
	d.delay = 30 * time.Millisecond
	h := newRecHooks()
	cc := newTestCache(t, mp, d, func(o *Options[user]) { o.Hooks = h })

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := cc.Get(ctx, "1")
			if err == nil && u.Name != "Ada" {
				err = errors.New("wrong value: " + u.Name)
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Get: %v", err)
	}
	if got := d.loads.Load(); got != 1 {
		t.Fatalf("loads = %d, want 1", got)
	}
	if h.count("coalesced") == 0 {
		t.Fatalf("expected coalesced callers")
	}
}

func TestWriteThenReadSeesNewValue(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})
	cc := newTestCache(t, mp, d, nil)

	if u, err := cc.Get(ctx, "1"); err != nil || u.Name != "Ada" {
		t.Fatalf("Get = %+v, %v", u, err)
	}

	d.put(user{ID: "1", Name: "Grace"})
	if err := cc.NotifyWrite(ctx, "1", Update); err != nil {
		t.Fatalf("NotifyWrite: %v", err)
	}
	if mp.has(mustKey(t, cc, "1")) {
		t.Fatalf("entry should be gone after write")
	}

	if u, err := cc.Get(ctx, "1"); err != nil || u.Name != "Grace" {
		t.Fatalf("Get after write = %+v, %v", u, err)
	}
	if n := d.loads.Load(); n != 2 {
		t.Fatalf("loads = %d, want 2", n)
	}
}

func TestNegativeCacheAndExpiry(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB()
	clk := newClock()
	h := newRecHooks()
	cc := newTestCache(t, mp, d, func(o *Options[user]) {
		o.Hooks = h
		o.now = clk.now
	})

	for i := 0; i < 2; i++ {
		if _, err := cc.Get(ctx, "404"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get #%d err = %v, want ErrNotFound", i, err)
		}
	}
	if n := d.loads.Load(); n != 1 {
		t.Fatalf("loads = %d, want 1 (second read negative hit)", n)
	}
	if h.count("negative_hit") != 1 {
		t.Fatalf("negative_hit = %d", h.count("negative_hit"))
	}

	clk.advance(config.Default().NegativeTTL + time.Millisecond)
	if _, err := cc.Get(ctx, "404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if n := d.loads.Load(); n != 2 {
		t.Fatalf("loads = %d, want 2 after negative ttl", n)
	}
	if !h.healed("expired") {
		t.Fatalf("expected expired self-heal")
	}
}

func TestCreateReplacesNegativeEntry(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB()
	cc := newTestCache(t, mp, d, nil)

	if _, err := cc.Get(ctx, "7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	err := cc.Write(ctx, "7", Create, func(context.Context) error {
		d.put(user{ID: "7", Name: "Linus"})
		return nil
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if u, err := cc.Get(ctx, "7"); err != nil || u.Name != "Linus" {
		t.Fatalf("Get after create = %+v, %v", u, err)
	}
}

func TestCacheOutageFallsBackToSource(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	mp.fail(errors.New("connection refused"))
	d := newDB(user{ID: "1", Name: "Ada"})
	h := newRecHooks()
	cc := newTestCache(t, mp, d, func(o *Options[user]) { o.Hooks = h })

	for i := 0; i < 25; i++ {
		u, err := cc.Get(ctx, "1")
		if err != nil || u.Name != "Ada" {
			t.Fatalf("Get #%d = %+v, %v", i, u, err)
		}
	}
	if n := d.loads.Load(); n != 25 {
		t.Fatalf("loads = %d, want one per read", n)
	}
	if h.count("unavailable") == 0 {
		t.Fatalf("expected CacheUnavailable hooks")
	}
	h.mu.Lock()
	for _, err := range h.errs {
		if !errors.Is(err, ErrCacheUnavailable) {
			t.Fatalf("hook error %v does not wrap ErrCacheUnavailable", err)
		}
	}
	h.mu.Unlock()

	// writes during the outage still succeed when the gen bump does
	if err := cc.NotifyWrite(ctx, "1", Update); err != nil {
		t.Fatalf("NotifyWrite during outage: %v", err)
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemProvider(), newDB(), nil)
	for i := 0; i < 3; i++ {
		if err := cc.Invalidate(ctx, "nobody"); err != nil {
			t.Fatalf("Invalidate #%d: %v", i, err)
		}
	}
}

func TestCancelledWaiterLoadStillPopulates(t *testing.T) {
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})
	d.delay = 50 * time.Millisecond
	cc := newTestCache(t, mp, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cc.Get(ctx, "1")
		done <- err
	}()
	waitFor(t, func() bool { return d.loads.Load() == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("waiter err = %v, want context.Canceled", err)
	}

	k := mustKey(t, cc, "1")
	waitFor(t, func() bool { return mp.has(k) })
	if u, err := cc.Get(context.Background(), "1"); err != nil || u.Name != "Ada" {
		t.Fatalf("Get = %+v, %v", u, err)
	}
	if n := d.loads.Load(); n != 1 {
		t.Fatalf("loads = %d, want 1", n)
	}
}

func TestLoadRacingWriteIsRetracted(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})

	var cc Cache[user]
	var once sync.Once
	loader := LoaderFunc[user](func(ctx context.Context, id string) (user, error) {
		u, err := d.Load(ctx, id)
		// a write commits and invalidates after the read but before populate
		once.Do(func() {
			d.put(user{ID: "1", Name: "Grace"})
			if err := cc.NotifyWrite(ctx, id, Update); err != nil {
				t.Errorf("NotifyWrite: %v", err)
			}
		})
		return u, err
	})
	cc = newTestCache(t, mp, d, func(o *Options[user]) { o.Loader = loader })

	if u, err := cc.Get(ctx, "1"); err != nil || u.Name != "Ada" {
		t.Fatalf("first Get = %+v, %v", u, err)
	}
	if mp.has(mustKey(t, cc, "1")) {
		t.Fatalf("entry loaded before the write must be retracted")
	}
	if u, err := cc.Get(ctx, "1"); err != nil || u.Name != "Grace" {
		t.Fatalf("second Get = %+v, %v", u, err)
	}
}

func TestQueryInvalidatedByCreate(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada", Active: true}, user{ID: "2", Name: "Bob"})
	cc := newTestCache(t, mp, d, nil)
	params := key.Params{"active": true, "limit": 10}

	for i := 0; i < 2; i++ {
		got, err := cc.Query(ctx, params)
		if err != nil || len(got) != 1 || got[0].Name != "Ada" {
			t.Fatalf("Query #%d = %+v, %v", i, got, err)
		}
	}
	if n := d.queries.Load(); n != 1 {
		t.Fatalf("queries = %d, want 1", n)
	}

	d.put(user{ID: "3", Name: "Cy", Active: true})
	if err := cc.NotifyWrite(ctx, "3", Create); err != nil {
		t.Fatalf("NotifyWrite: %v", err)
	}
	got, err := cc.Query(ctx, key.Params{"limit": 10, "active": true})
	if err != nil || len(got) != 2 {
		t.Fatalf("Query after create = %+v, %v", got, err)
	}
	if n := d.queries.Load(); n != 2 {
		t.Fatalf("queries = %d, want 2", n)
	}
}

func TestQueryWithoutLoader(t *testing.T) {
	cc := newTestCache(t, newMemProvider(), newDB(), func(o *Options[user]) { o.QueryLoader = nil })
	if _, err := cc.Query(context.Background(), nil); !errors.Is(err, ErrNoQueryLoader) {
		t.Fatalf("err = %v, want ErrNoQueryLoader", err)
	}
}

func TestKeyBuildErrorSkipsLoad(t *testing.T) {
	d := newDB()
	cc := newTestCache(t, newMemProvider(), d, nil)

	for _, id := range []any{"", 3.14, nil, key.CollectionID} {
		_, err := cc.Get(context.Background(), id)
		var kbe *KeyBuildError
		if !errors.As(err, &kbe) {
			t.Fatalf("Get(%v) err = %v, want *KeyBuildError", id, err)
		}
	}
	if n := d.loads.Load(); n != 0 {
		t.Fatalf("loads = %d, want 0", n)
	}
}

func TestSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})
	h := newRecHooks()
	cc := newTestCache(t, mp, d, func(o *Options[user]) { o.Hooks = h })
	k := mustKey(t, cc, "1")

	mp.put(k, []byte("garbage"))
	if u, err := cc.Get(ctx, "1"); err != nil || u.Name != "Ada" {
		t.Fatalf("Get = %+v, %v", u, err)
	}
	if !h.healed("corrupt") {
		t.Fatalf("expected corrupt self-heal")
	}
	if _, err := wire.Decode(mp.raw(k)); err != nil {
		t.Fatalf("entry not repaired: %v", err)
	}
}

func TestSelfHealOnValueDecode(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})
	h := newRecHooks()
	cc := newTestCache(t, mp, d, func(o *Options[user]) { o.Hooks = h })
	k := mustKey(t, cc, "1")

	raw, err := wire.Encode(wire.Entry{Kind: wire.KindValue, Stamp: 1, Payload: []byte("{not json")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	mp.put(k, raw)
	if u, err := cc.Get(ctx, "1"); err != nil || u.Name != "Ada" {
		t.Fatalf("Get = %+v, %v", u, err)
	}
	if !h.healed("value_decode") {
		t.Fatalf("expected value_decode self-heal")
	}
}

func TestStaleEntryRejectedAfterForeignBump(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})
	gs := gen.NewLocalGenStore(time.Hour, time.Hour)
	defer gs.Close(ctx)
	h := newRecHooks()
	cc := newTestCache(t, mp, d, func(o *Options[user]) {
		o.GenStore = gs
		o.Hooks = h
	})

	if _, err := cc.Get(ctx, "1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// another replica committed a write but its delete never landed
	d.put(user{ID: "1", Name: "Grace"})
	if _, err := gs.BumpMany(ctx, []string{"user:1"}); err != nil {
		t.Fatalf("BumpMany: %v", err)
	}

	if u, err := cc.Get(ctx, "1"); err != nil || u.Name != "Grace" {
		t.Fatalf("Get = %+v, %v", u, err)
	}
	if !h.healed("stale") {
		t.Fatalf("expected stale self-heal")
	}
}

func TestFailureCaching(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")

	t.Run("off by default", func(t *testing.T) {
		d := newDB()
		d.fail(boom)
		cc := newTestCache(t, newMemProvider(), d, nil)
		for i := 0; i < 2; i++ {
			_, err := cc.Get(ctx, "1")
			var sle *SourceLoadError
			if !errors.As(err, &sle) || !errors.Is(err, boom) || sle.Cached {
				t.Fatalf("err = %#v", err)
			}
		}
		if n := d.loads.Load(); n != 2 {
			t.Fatalf("loads = %d, want 2", n)
		}
	})

	t.Run("error ttl", func(t *testing.T) {
		d := newDB()
		d.fail(boom)
		cc := newTestCache(t, newMemProvider(), d, func(o *Options[user]) {
			o.Settings.ErrorTTL = time.Second
		})
		if _, err := cc.Get(ctx, "1"); !errors.Is(err, boom) {
			t.Fatalf("first err = %v", err)
		}
		_, err := cc.Get(ctx, "1")
		var sle *SourceLoadError
		if !errors.As(err, &sle) || !sle.Cached || sle.Err.Error() != "db down" {
			t.Fatalf("second err = %#v", err)
		}
		if n := d.loads.Load(); n != 1 {
			t.Fatalf("loads = %d, want 1", n)
		}
	})
}

func TestProviderRejectingSetsStillServes(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	mp.rejectSets = true
	d := newDB(user{ID: "1", Name: "Ada"})
	h := newRecHooks()
	cc := newTestCache(t, mp, d, func(o *Options[user]) { o.Hooks = h })

	if u, err := cc.Get(ctx, "1"); err != nil || u.Name != "Ada" {
		t.Fatalf("Get = %+v, %v", u, err)
	}
	if h.count("set_rejected") != 1 {
		t.Fatalf("set_rejected = %d", h.count("set_rejected"))
	}
}

func TestDisabledBypassesCache(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	d := newDB(user{ID: "1", Name: "Ada"})
	cc := newTestCache(t, mp, d, func(o *Options[user]) { o.Disabled = true })

	if cc.Enabled() {
		t.Fatalf("Enabled() = true")
	}
	for i := 0; i < 3; i++ {
		if _, err := cc.Get(ctx, "1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if _, err := cc.Get(ctx, "2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if n := d.loads.Load(); n != 4 {
		t.Fatalf("loads = %d, want 4", n)
	}
	if mp.has(mustKey(t, cc, "1")) {
		t.Fatalf("disabled cache must not populate")
	}
}

type order struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Buyer  string `json:"buyer"`
}

// newOrderCache builds an order cache embedding user data and sharing the
// user cache's gen store and tracker.
func newOrderCache(t *testing.T, mp pr.Provider, users *cache[user], load LoaderFunc[order]) Cache[order] {
	t.Helper()
	oc, err := New[order](Options[order]{
		ResourceType:   "order",
		Provider:       mp,
		Codec:          c.JSON[order]{},
		Settings:       config.Default(),
		GenStore:       users.gen,
		Tracker:        users.deps,
		Loader:         load,
		DependsOn:      func(o order) []key.Ref { return []key.Ref{{Type: "user", ID: o.UserID}} },
		DependsOnTypes: []string{"user"},
	})
	if err != nil {
		t.Fatalf("New order cache: %v", err)
	}
	t.Cleanup(func() { _ = oc.Close(context.Background()) })
	return oc
}

func buyerOf(users *db, userID string) LoaderFunc[order] {
	return func(ctx context.Context, id string) (order, error) {
		u, err := users.Load(ctx, userID)
		return order{ID: id, UserID: u.ID, Buyer: u.Name}, err
	}
}

func TestDependsOnAcrossTypes(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	users := newDB(user{ID: "1", Name: "Ada"}, user{ID: "2", Name: "Linus"})
	uc := newTestCache(t, mp, users, nil)
	oc := newOrderCache(t, mp, mustImpl(t, uc), buyerOf(users, "1"))

	if o, err := oc.Get(ctx, "o1"); err != nil || o.Buyer != "Ada" {
		t.Fatalf("order Get = %+v, %v", o, err)
	}
	// a write to some other user leaves the order entry alone
	if err := uc.NotifyWrite(ctx, "2", Update); err != nil {
		t.Fatalf("NotifyWrite: %v", err)
	}
	if _, err := oc.Get(ctx, "o1"); err != nil {
		t.Fatalf("order Get: %v", err)
	}
	if n := users.loads.Load(); n != 1 {
		t.Fatalf("user loads after unrelated write = %d, want 1", n)
	}

	users.put(user{ID: "1", Name: "Grace"})
	if err := uc.NotifyWrite(ctx, "1", Update); err != nil {
		t.Fatalf("NotifyWrite: %v", err)
	}
	if o, err := oc.Get(ctx, "o1"); err != nil || o.Buyer != "Grace" {
		t.Fatalf("order Get after user write = %+v, %v", o, err)
	}
	if n := users.loads.Load(); n != 2 {
		t.Fatalf("user loads = %d, want 2", n)
	}
}

func TestDependsOnWriteDuringLoadIsRetracted(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	users := newDB(user{ID: "1", Name: "Ada"})
	uc := newTestCache(t, mp, users, nil)

	read := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	inner := buyerOf(users, "1")
	oc := newOrderCache(t, mp, mustImpl(t, uc), func(ctx context.Context, id string) (order, error) {
		o, err := inner(ctx, id)
		once.Do(func() {
			close(read)
			<-gate
		})
		return o, err
	})

	done := make(chan error, 1)
	go func() {
		_, err := oc.Get(ctx, "o1")
		done <- err
	}()
	<-read
	// the user changes after the order load read it but before it is cached
	users.put(user{ID: "1", Name: "Grace"})
	if err := uc.NotifyWrite(ctx, "1", Update); err != nil {
		t.Fatalf("NotifyWrite: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first Get: %v", err)
	}

	if o, err := oc.Get(ctx, "o1"); err != nil || o.Buyer != "Grace" {
		t.Fatalf("order Get after racing write = %+v, %v", o, err)
	}
}

func TestDependsOnRequiresTypes(t *testing.T) {
	_, err := New[order](Options[order]{
		ResourceType: "order",
		Provider:     newMemProvider(),
		Codec:        c.JSON[order]{},
		Settings:     config.Default(),
		Loader:       LoaderFunc[order](func(context.Context, string) (order, error) { return order{}, nil }),
		DependsOn:    func(o order) []key.Ref { return []key.Ref{{Type: "user", ID: o.UserID}} },
	})
	if err == nil {
		t.Fatalf("expected error for DependsOn without DependsOnTypes")
	}
}

func TestSecondCallerAfterFinishedFlightHitsCache(t *testing.T) {
	ctx := context.Background()
	gp := &stallingProvider{memProvider: newMemProvider(), stalled: make(chan struct{}), release: make(chan struct{})}
	d := newDB(user{ID: "42", Name: "Ada"})
	cc := newTestCache(t, gp, d, nil)

	done := make(chan error, 1)
	go func() {
		_, err := cc.Get(ctx, "42")
		done <- err
	}()
	// B has seen the miss; A now runs a whole read-through
	<-gp.stalled
	if _, err := cc.Get(ctx, "42"); err != nil {
		t.Fatalf("Get A: %v", err)
	}
	close(gp.release)
	if err := <-done; err != nil {
		t.Fatalf("Get B: %v", err)
	}
	if n := d.loads.Load(); n != 1 {
		t.Fatalf("loads = %d, want 1", n)
	}
}

func TestCloseIdempotent(t *testing.T) {
	cc := newTestCache(t, newMemProvider(), newDB(), nil)
	for i := 0; i < 2; i++ {
		if err := cc.Close(context.Background()); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
}
