// Package stripe provides a fixed set of mutexes selected by key hash, for
// in-process providers that have to emulate atomic set-if-absent and
// compare-and-delete on top of stores without such primitives.
package stripe

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultStripes = 64

type Locks struct {
	mus  []sync.Mutex
	mask uint64
}

// New returns n stripes rounded up to a power of two; n <= 0 uses 64.
func New(n int) *Locks {
	if n <= 0 {
		n = defaultStripes
	}
	size := 1
	for size < n {
		size <<= 1
	}
	return &Locks{mus: make([]sync.Mutex, size), mask: uint64(size - 1)}
}

// For returns the mutex guarding key.
func (l *Locks) For(key string) *sync.Mutex {
	return &l.mus[xxhash.Sum64String(key)&l.mask]
}
