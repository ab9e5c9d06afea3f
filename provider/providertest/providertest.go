// Package providertest holds a conformance suite every provider.Provider
// implementation is expected to pass.
package providertest

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/asidecache/provider"
)

// Run exercises p. Keys are prefixed with prefix so the suite can share a
// store with other tests.
func Run(t *testing.T, p pr.Provider, prefix string) {
	t.Helper()
	ctx := context.Background()
	k := func(s string) string { return prefix + s }

	t.Run("get_miss", func(t *testing.T) {
		if b, ok, err := p.Get(ctx, k("absent")); err != nil || ok || b != nil {
			t.Fatalf("Get absent: b=%v ok=%v err=%v", b, ok, err)
		}
	})

	t.Run("set_get_transparent", func(t *testing.T) {
		val := []byte{0, 1, 2, 0xFF, 'x'}
		if ok, err := p.Set(ctx, k("a"), val, 1, time.Minute); err != nil || !ok {
			t.Fatalf("Set: ok=%v err=%v", ok, err)
		}
		got, ok, err := p.Get(ctx, k("a"))
		if err != nil || !ok || !bytes.Equal(got, val) {
			t.Fatalf("Get: got=%x ok=%v err=%v", got, ok, err)
		}
	})

	t.Run("del_idempotent", func(t *testing.T) {
		if _, err := p.Set(ctx, k("d"), []byte("v"), 1, time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := p.Del(ctx, k("d")); err != nil {
				t.Fatalf("Del #%d: %v", i, err)
			}
		}
		if _, ok, _ := p.Get(ctx, k("d")); ok {
			t.Fatalf("key still present after Del")
		}
	})

	t.Run("setnx", func(t *testing.T) {
		_ = p.Del(ctx, k("nx"))
		ok, err := p.SetNX(ctx, k("nx"), []byte("first"), time.Minute)
		if err != nil || !ok {
			t.Fatalf("SetNX first: ok=%v err=%v", ok, err)
		}
		ok, err = p.SetNX(ctx, k("nx"), []byte("second"), time.Minute)
		if err != nil || ok {
			t.Fatalf("SetNX second: ok=%v err=%v", ok, err)
		}
		if got, _, _ := p.Get(ctx, k("nx")); string(got) != "first" {
			t.Fatalf("SetNX overwrote value: %q", got)
		}
	})

	t.Run("setnx_single_winner", func(t *testing.T) {
		_ = p.Del(ctx, k("race"))
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := p.SetNX(ctx, k("race"), []byte("t"), time.Minute); err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("expected exactly one SetNX winner, got %d", wins.Load())
		}
	})

	t.Run("compare_and_delete", func(t *testing.T) {
		if _, err := p.Set(ctx, k("cad"), []byte("mine"), 1, time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if ok, err := p.CompareAndDelete(ctx, k("cad"), []byte("theirs")); err != nil || ok {
			t.Fatalf("CompareAndDelete mismatch: ok=%v err=%v", ok, err)
		}
		if _, ok, _ := p.Get(ctx, k("cad")); !ok {
			t.Fatalf("mismatched CompareAndDelete removed the key")
		}
		if ok, err := p.CompareAndDelete(ctx, k("cad"), []byte("mine")); err != nil || !ok {
			t.Fatalf("CompareAndDelete match: ok=%v err=%v", ok, err)
		}
		if ok, err := p.CompareAndDelete(ctx, k("cad"), []byte("mine")); err != nil || ok {
			t.Fatalf("CompareAndDelete absent: ok=%v err=%v", ok, err)
		}
	})
}
