package asidecache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	c "github.com/unkn0wn-root/asidecache/codec"
	"github.com/unkn0wn-root/asidecache/config"
	gen "github.com/unkn0wn-root/asidecache/genstore"
	"github.com/unkn0wn-root/asidecache/internal/wire"
	"github.com/unkn0wn-root/asidecache/key"
	"github.com/unkn0wn-root/asidecache/tracker"
)

const (
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
	edgeSweep           = time.Minute
)

type outcome int

const (
	outMiss outcome = iota
	outHit
	outAbsent
	outFailed
)

// shape converts a result type to and from entry payloads.
type shape[R any] struct {
	encode func(R) ([]byte, error)
	decode func([]byte) (R, error)
}

// loadFunc reads R from the data store and names any extra resources the
// result depends on.
type loadFunc[R any] func(ctx context.Context) (R, []key.Ref, error)

type cache[V any] struct {
	typ       string
	keys      key.Builder
	store     *store
	codec     c.Codec[V]
	loader    Loader[V]
	query     QueryLoader[V]
	identity  func(V) string
	dependsOn func(V) []key.Ref
	foreign   map[string]struct{}
	watch     []key.Ref
	log       Logger
	hooks     Hooks
	gen       gen.GenStore
	ownGen    bool
	deps      *tracker.Tracker
	ownDeps   bool
	group     singleflight.Group
	set       config.Settings
	enabled   bool

	computeSetCost SetCostFunc
	now            func() time.Time
	rnd            func() float64

	closeOnce sync.Once
	closeErr  error
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("asidecache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("asidecache: codec is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("asidecache: loader is required")
	}
	if _, err := (key.Builder{}).Entity(opts.ResourceType, "x"); err != nil {
		return nil, err
	}
	if opts.DependsOn != nil && len(opts.DependsOnTypes) == 0 {
		return nil, fmt.Errorf("asidecache: DependsOn requires DependsOnTypes")
	}
	foreign := make(map[string]struct{}, len(opts.DependsOnTypes))
	var watch []key.Ref
	for _, t := range opts.DependsOnTypes {
		if _, err := (key.Builder{}).Entity(t, "x"); err != nil {
			return nil, err
		}
		if _, dup := foreign[t]; dup {
			continue
		}
		foreign[t] = struct{}{}
		watch = append(watch, key.Collection(t))
	}

	set := settingsOrDefault(opts.Settings)
	if err := set.Validate(); err != nil {
		return nil, err
	}

	cc := &cache[V]{
		typ:       opts.ResourceType,
		keys:      key.Builder{Namespace: set.Namespace, SchemaVersion: set.SchemaVersion},
		codec:     opts.Codec,
		loader:    opts.Loader,
		query:     opts.QueryLoader,
		identity:  opts.IdentityOf,
		dependsOn: opts.DependsOn,
		foreign:   foreign,
		watch:     watch,
		set:       set,
		enabled:   !opts.Disabled,
		rnd:       rand.Float64,
	}

	// defaults
	cc.log = coalesce[Logger](opts.Logger, NopLogger{})
	cc.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	cc.now = opts.now
	if cc.now == nil {
		cc.now = time.Now
	}
	if opts.ComputeSetCost != nil {
		cc.computeSetCost = opts.ComputeSetCost
	} else {
		cc.computeSetCost = func(string, []byte) int64 { return 1 }
	}

	cc.store = newStore(opts.Provider, "asidecache:"+opts.ResourceType, set.CacheTimeout, set.Breaker, cc.log)

	if opts.GenStore != nil {
		cc.gen = opts.GenStore
	} else {
		// in-process generations with periodic cleanup
		cc.gen = gen.NewLocalGenStore(defaultSweep, defaultGenRetention)
		cc.ownGen = true
	}
	if opts.Tracker != nil {
		cc.deps = opts.Tracker
	} else {
		cc.deps = tracker.New(tracker.Options{CleanupInterval: edgeSweep, Retention: set.EdgeRetention})
		cc.ownDeps = true
	}
	return cc, nil
}

func (cc *cache[V]) Enabled() bool { return cc.enabled }

func (cc *cache[V]) Close(ctx context.Context) error {
	cc.closeOnce.Do(func() {
		if cc.ownGen {
			_ = cc.gen.Close(ctx)
		}
		if cc.ownDeps {
			cc.deps.Close()
		}
		cc.closeErr = cc.store.close(ctx)
	})
	return cc.closeErr
}

func (cc *cache[V]) Key(id any) (string, error) {
	return cc.keys.Entity(cc.typ, id)
}

func (cc *cache[V]) Get(ctx context.Context, id any) (V, error) {
	var zero V
	ref, err := cc.keys.Ref(cc.typ, id)
	if err != nil {
		return zero, err
	}
	k := cc.keys.ForRef(ref)
	load := func(ctx context.Context) (V, []key.Ref, error) {
		v, err := cc.loader.Load(ctx, ref.ID)
		if err != nil {
			return v, nil, err
		}
		var edges []key.Ref
		if cc.dependsOn != nil {
			edges = cc.dependsOn(v)
		}
		return v, edges, nil
	}
	if !cc.enabled {
		v, _, err := load(ctx)
		return v, sourceErr(k, err)
	}
	return read(ctx, cc, k, cc.entityShape(), []key.Ref{ref}, load)
}

func (cc *cache[V]) Query(ctx context.Context, params key.Params) ([]V, error) {
	if cc.query == nil {
		return nil, ErrNoQueryLoader
	}
	k, err := cc.keys.Query(cc.typ, params)
	if err != nil {
		return nil, err
	}
	load := func(ctx context.Context) ([]V, []key.Ref, error) {
		vs, err := cc.query.LoadQuery(ctx, params)
		if err != nil {
			return nil, nil, err
		}
		var edges []key.Ref
		for _, v := range vs {
			if cc.identity != nil {
				if id := cc.identity(v); id != "" {
					edges = append(edges, key.Ref{Type: cc.typ, ID: id})
				}
			}
			if cc.dependsOn != nil {
				edges = append(edges, cc.dependsOn(v)...)
			}
		}
		return vs, edges, nil
	}
	if !cc.enabled {
		vs, _, err := load(ctx)
		return vs, sourceErr(k, err)
	}
	// every write to the type bumps the collection, so it is the only dep
	return read(ctx, cc, k, cc.listShape(), []key.Ref{key.Collection(cc.typ)}, load)
}

func (cc *cache[V]) entityShape() shape[V] {
	return shape[V]{encode: cc.codec.Encode, decode: cc.codec.Decode}
}

func (cc *cache[V]) listShape() shape[[]V] {
	return shape[[]V]{
		encode: func(vs []V) ([]byte, error) {
			items := make([][]byte, len(vs))
			for i, v := range vs {
				b, err := cc.codec.Encode(v)
				if err != nil {
					return nil, err
				}
				items[i] = b
			}
			return wire.EncodeList(items), nil
		},
		decode: func(b []byte) ([]V, error) {
			items, err := wire.DecodeList(b)
			if err != nil {
				return nil, err
			}
			vs := make([]V, len(items))
			for i, it := range items {
				if vs[i], err = cc.codec.Decode(it); err != nil {
					return nil, err
				}
			}
			return vs, nil
		},
	}
}

// read is the cache-aside read path shared by Get and Query.
func read[V, R any](ctx context.Context, cc *cache[V], k string, sh shape[R], deps []key.Ref, load loadFunc[R]) (R, error) {
	r, out, err := lookup(ctx, cc, k, sh)
	switch out {
	case outHit:
		cc.hooks.Hit(cc.typ)
		return r, nil
	case outAbsent, outFailed:
		cc.hooks.NegativeHit(cc.typ)
		return r, err
	}
	cc.hooks.Miss(cc.typ)
	return share(ctx, cc, k, func(ctx context.Context) (R, error) {
		return fill(ctx, cc, k, sh, deps, load)
	})
}

// lookup reads and validates the entry under k. Anything short of a usable
// entry is a miss; broken entries are removed on the way.
func lookup[V, R any](ctx context.Context, cc *cache[V], k string, sh shape[R]) (R, outcome, error) {
	var zero R
	raw, ok, err := cc.store.get(ctx, k)
	if err != nil {
		cc.hooks.CacheUnavailable("get", err)
		cc.log.Debug("cache get failed; treating as miss", Fields{"key": k, "err": err})
		return zero, outMiss, nil
	}
	if !ok {
		return zero, outMiss, nil
	}
	e, err := wire.Decode(raw)
	if err != nil {
		cc.selfHeal(ctx, k, raw, "corrupt")
		return zero, outMiss, nil
	}
	if e.Expired(cc.now()) {
		cc.selfHeal(ctx, k, raw, "expired")
		return zero, outMiss, nil
	}
	current, err := cc.depsCurrent(ctx, e.Deps)
	if err != nil {
		// can't prove freshness; leave the entry for when the gen store is back
		return zero, outMiss, nil
	}
	if !current {
		cc.selfHeal(ctx, k, raw, "stale")
		return zero, outMiss, nil
	}
	switch e.Kind {
	case wire.KindNotFound:
		return zero, outAbsent, ErrNotFound
	case wire.KindFailure:
		return zero, outFailed, &SourceLoadError{Key: k, Err: errors.New(string(e.Payload)), Cached: true}
	}
	v, err := sh.decode(e.Payload)
	if err != nil {
		cc.selfHeal(ctx, k, raw, "value_decode")
		return zero, outMiss, nil
	}
	return v, outHit, nil
}

// fill runs on the single caller that won the key's flight.
func fill[V, R any](ctx context.Context, cc *cache[V], k string, sh shape[R], deps []key.Ref, load loadFunc[R]) (R, error) {
	var zero R
	// a flight that ended between our miss and this one may have filled k
	if r, out, err := lookup(ctx, cc, k, sh); out != outMiss {
		return r, err
	}
	if cc.set.DistributedLock {
		release, r, out, err := acquireLoadLock(ctx, cc, k, sh)
		if out != outMiss {
			return r, err
		}
		defer release()
	}

	// CAS pattern: observe generations before reading the source. The
	// collections of the types a value embeds are watched too, since the
	// embedded refs are only known once the load returns.
	checked := refStrings(slices.Concat(deps, cc.watch))
	before, genErr := cc.snapshot(ctx, checked)

	lctx, cancel := context.WithTimeout(ctx, cc.set.LoadTimeout)
	start := cc.now()
	r, edges, err := load(lctx)
	cancel()
	cc.hooks.LoadDone(cc.typ, cc.now().Sub(start), err)

	cacheable := genErr == nil
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if cacheable && cc.set.NegativeTTL > 0 {
				cc.populate(ctx, k, wire.Entry{Kind: wire.KindNotFound, TTL: cc.set.NegativeTTL}, before, checked, deps, nil)
			}
			return zero, ErrNotFound
		}
		if cacheable && cc.set.ErrorTTL > 0 {
			cc.populate(ctx, k, wire.Entry{Kind: wire.KindFailure, TTL: cc.set.ErrorTTL, Payload: []byte(err.Error())}, before, checked, deps, nil)
		}
		cc.log.Warn("source load failed", Fields{"key": k, "err": err})
		return zero, &SourceLoadError{Key: k, Err: err}
	}
	if !cacheable {
		return r, nil
	}
	payload, err := sh.encode(r)
	if err != nil {
		cc.log.Warn("encode failed; serving uncached", Fields{"key": k, "err": err})
		return r, nil
	}
	ttl := jitter(cc.set.BaseTTL, cc.set.JitterFraction, cc.rnd)
	cc.populate(ctx, k, wire.Entry{Kind: wire.KindValue, TTL: ttl, Payload: payload}, before, checked, deps, edges)
	return r, nil
}

// populate writes e under k, records dependency edges, then re-checks the
// generations observed before the load (checked). If a write slipped in
// meanwhile the entry is retracted, but only if it is still the one written
// here. Embedded refs of watched types become entry deps as well, so a later
// write to one of them makes the entry stale on read.
func (cc *cache[V]) populate(ctx context.Context, k string, e wire.Entry, before map[string]uint64, checked []string, deps, edges []key.Ref) {
	e.Stamp = rand.Uint64() | 1
	e.StoredAt = cc.now()
	e.Deps = make([]wire.Dep, 0, len(deps))
	for _, d := range deps {
		ref := d.String()
		e.Deps = append(e.Deps, wire.Dep{Ref: ref, Gen: before[ref]})
	}
	if extra := cc.foreignRefs(deps, edges); len(extra) > 0 {
		// any write to these since the load bumped a watched collection too,
		// which the re-check below catches
		gens, err := cc.snapshot(ctx, extra)
		if err != nil {
			return
		}
		for _, ref := range extra {
			e.Deps = append(e.Deps, wire.Dep{Ref: ref, Gen: gens[ref]})
		}
	}
	raw, err := wire.Encode(e)
	if err != nil {
		cc.log.Error("entry encode failed", Fields{"key": k, "err": err})
		return
	}
	ok, err := cc.store.set(ctx, k, raw, cc.computeSetCost(k, raw), e.TTL)
	if err != nil {
		cc.hooks.CacheUnavailable("set", err)
		cc.log.Debug("cache set failed", Fields{"key": k, "err": err})
		return
	}
	if !ok {
		cc.hooks.ProviderSetRejected(k)
		cc.log.Debug("set rejected by provider (pressure)", Fields{"key": k})
		return
	}

	for _, d := range deps {
		if d.IsCollection() {
			cc.deps.Add(d.String(), k)
		}
	}
	for _, d := range edges {
		cc.deps.Add(d.String(), k)
	}

	after, err := cc.snapshot(ctx, checked)
	if err == nil && sameGens(before, after) {
		return
	}
	if _, err := cc.store.compareAndDelete(ctx, k, e.Stamp); err != nil {
		cc.hooks.CacheUnavailable("cad", err)
	}
	cc.log.Debug("retracted entry raced by a write", Fields{"key": k})
}

func (cc *cache[V]) selfHeal(ctx context.Context, k string, raw []byte, reason string) {
	cc.hooks.SelfHeal(k, reason)
	// compare-and-delete so a fresh entry written meanwhile survives
	if _, err := cc.store.delIfRaw(ctx, k, raw); err != nil {
		cc.hooks.CacheUnavailable("cad", err)
	}
}

func (cc *cache[V]) snapshot(ctx context.Context, refs []string) (map[string]uint64, error) {
	if len(refs) == 0 {
		return map[string]uint64{}, nil
	}
	gctx, cancel := context.WithTimeout(ctx, cc.set.CacheTimeout)
	defer cancel()
	m, err := cc.gen.SnapshotMany(gctx, refs)
	if err != nil {
		cc.hooks.GenError("snapshot", err)
		cc.log.Warn("gen snapshot error", Fields{"refs": refs, "err": err})
		return nil, err
	}
	return m, nil
}

func (cc *cache[V]) depsCurrent(ctx context.Context, deps []wire.Dep) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	refs := make([]string, len(deps))
	for i, d := range deps {
		refs[i] = d.Ref
	}
	cur, err := cc.snapshot(ctx, refs)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if cur[d.Ref] != d.Gen {
			return false, nil
		}
	}
	return true, nil
}

// foreignRefs returns the distinct edges of watched types not already in deps.
func (cc *cache[V]) foreignRefs(deps, edges []key.Ref) []string {
	if len(cc.foreign) == 0 || len(edges) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(deps)+len(edges))
	for _, d := range deps {
		seen[d.String()] = struct{}{}
	}
	var out []string
	for _, r := range edges {
		if _, ok := cc.foreign[r.Type]; !ok || r.IsCollection() {
			continue
		}
		ref := r.String()
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func refStrings(refs []key.Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

func sameGens(a, b map[string]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// sourceErr maps a loader error to what callers of Get/Query see.
func sourceErr(k string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return &SourceLoadError{Key: k, Err: err}
	}
}
