package genstore

import (
	"context"
	"sync"
	"time"
)

type localGenEntry struct {
	Gen       uint64
	UpdatedAt time.Time
}

// LocalGenStore keeps generations in-process (default).
// Generations are invisible to other replicas; pair it with a shared cache only
// when a single process writes.
type LocalGenStore struct {
	mu     sync.RWMutex
	gens   map[string]localGenEntry
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ GenStore = (*LocalGenStore)(nil)

// NewLocalGenStore starts a cleanup loop when both arguments are positive.
func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{gens: make(map[string]localGenEntry)}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, ref string) (uint64, error) {
	s.mu.RLock()
	e := s.gens[ref]
	s.mu.RUnlock()
	return e.Gen, nil
}

// SnapshotMany reads all requested refs under one read lock.
func (s *LocalGenStore) SnapshotMany(_ context.Context, refs []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(refs))
	s.mu.RLock()
	for _, r := range refs {
		out[r] = s.gens[r].Gen // zero value (0) if missing
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *LocalGenStore) BumpMany(_ context.Context, refs []string) (map[string]uint64, error) {
	now := time.Now()
	out := make(map[string]uint64, len(refs))
	s.mu.Lock()
	for _, r := range refs {
		e := s.gens[r]
		e.Gen++
		e.UpdatedAt = now
		s.gens[r] = e
		out[r] = e.Gen
	}
	s.mu.Unlock()
	return out, nil
}

// Cleanup forgets refs not bumped within retention. A forgotten ref reads as
// generation 0; entries recorded under a higher generation then self-heal.
func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.gens {
		if !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(cutoff) {
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

func (s *LocalGenStore) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
	})
	return nil
}
