// Package tracker keeps the dependency edges from resources to the cache keys
// that must be invalidated when those resources change.
//
// Edges are process-local and rebuilt lazily: the read path adds them when it
// populates an entry, the write path consults (and on delete drops) them.
// Edges untouched for longer than the retention are pruned by a background
// sweep; by then the entries they point at have expired anyway.
package tracker

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

type edgeSet struct {
	keys    map[string]struct{}
	touched time.Time
}

type shard struct {
	mu    sync.Mutex
	edges map[string]*edgeSet
}

// Tracker is a sharded ref -> keys map. Safe for concurrent use.
// A single Tracker may be shared by caches of different resource types.
type Tracker struct {
	shards []shard
	mask   uint64
	now    func() time.Time

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type Options struct {
	Shards          int           // rounded up to a power of two; 0 => 32
	CleanupInterval time.Duration // 0 disables the background sweep
	Retention       time.Duration // edges idle longer than this are pruned
}

func New(opts Options) *Tracker {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	t := &Tracker{
		shards: make([]shard, size),
		mask:   uint64(size - 1),
		now:    time.Now,
	}
	for i := range t.shards {
		t.shards[i].edges = make(map[string]*edgeSet)
	}
	if opts.CleanupInterval > 0 && opts.Retention > 0 {
		t.ticker = time.NewTicker(opts.CleanupInterval)
		t.stopCh = make(chan struct{})
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for {
				select {
				case <-t.ticker.C:
					t.Sweep(opts.Retention)
				case <-t.stopCh:
					return
				}
			}
		}()
	}
	return t
}

func (t *Tracker) shardFor(ref string) *shard {
	return &t.shards[xxhash.Sum64String(ref)&t.mask]
}

// Add records that key must be invalidated when ref changes.
func (t *Tracker) Add(ref, key string) {
	s := t.shardFor(ref)
	now := t.now()
	s.mu.Lock()
	e := s.edges[ref]
	if e == nil {
		e = &edgeSet{keys: make(map[string]struct{}, 1)}
		s.edges[ref] = e
	}
	e.keys[key] = struct{}{}
	e.touched = now
	s.mu.Unlock()
}

// Keys returns the keys depending on ref. The edges are kept.
func (t *Tracker) Keys(ref string) []string {
	s := t.shardFor(ref)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.edges[ref]
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.keys))
	for k := range e.keys {
		out = append(out, k)
	}
	return out
}

// Take returns the keys depending on ref and drops its edges.
func (t *Tracker) Take(ref string) []string {
	s := t.shardFor(ref)
	s.mu.Lock()
	e := s.edges[ref]
	delete(s.edges, ref)
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.keys))
	for k := range e.keys {
		out = append(out, k)
	}
	return out
}

// Remove drops every edge of ref.
func (t *Tracker) Remove(ref string) {
	s := t.shardFor(ref)
	s.mu.Lock()
	delete(s.edges, ref)
	s.mu.Unlock()
}

// Len returns the number of refs with at least one edge.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.edges)
		s.mu.Unlock()
	}
	return n
}

// Sweep prunes edge sets not touched within retention and returns how many
// refs were dropped.
func (t *Tracker) Sweep(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := t.now().Add(-retention)
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for ref, e := range s.edges {
			if e.touched.Before(cutoff) {
				delete(s.edges, ref)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Close stops the background sweep. Safe to call more than once.
func (t *Tracker) Close() {
	t.once.Do(func() {
		if t.stopCh != nil {
			close(t.stopCh)
			t.ticker.Stop()
			t.wg.Wait()
		}
	})
}
