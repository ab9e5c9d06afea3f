package asidecache

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/asidecache/key"
)

func (cc *cache[V]) Invalidate(ctx context.Context, id any) error {
	return cc.NotifyWrite(ctx, id, Update)
}

func (cc *cache[V]) Write(ctx context.Context, id any, kind ChangeKind, commit CommitFunc) error {
	// an id that cannot be keyed could never be invalidated, so don't commit
	if _, err := cc.keys.Ref(cc.typ, id); err != nil {
		return err
	}
	if commit != nil {
		if err := commit(ctx); err != nil {
			return err
		}
	}
	if err := cc.NotifyWrite(ctx, id, kind); err != nil {
		cc.log.Error("invalidation after commit failed", Fields{"type": cc.typ, "kind": kind.String(), "err": err})
	}
	return nil
}

func (cc *cache[V]) NotifyWrite(ctx context.Context, id any, kind ChangeKind) error {
	ref, err := cc.keys.Ref(cc.typ, id)
	if err != nil {
		return err
	}
	if !cc.enabled {
		return nil
	}
	coll := key.Collection(cc.typ)
	refName := ref.String()

	// bump first: loads already in flight will see the move and retract
	bctx, cancel := context.WithTimeout(ctx, cc.set.CacheTimeout)
	_, bumpErr := cc.gen.BumpMany(bctx, []string{refName, coll.String()})
	cancel()
	if bumpErr != nil {
		cc.hooks.GenError("bump", bumpErr)
		cc.log.Warn("gen bump failed", Fields{"ref": refName, "err": bumpErr})
	}

	keys := []string{cc.keys.ForRef(ref)}
	if kind == Delete {
		keys = append(keys, cc.deps.Take(refName)...)
	} else {
		keys = append(keys, cc.deps.Keys(refName)...)
	}
	keys = append(keys, cc.deps.Take(coll.String())...)

	var delErr error
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		cc.group.Forget(k)
		if err := cc.store.del(ctx, k); err != nil {
			cc.hooks.InvalidationFailed(k, err)
			cc.log.Warn("invalidate delete failed", Fields{"key": k, "err": err})
			delErr = errors.Join(delErr, err)
		}
	}

	if bumpErr != nil && delErr != nil {
		cc.hooks.InvalidateOutage(refName, bumpErr, delErr)
		return &InvalidateError{Ref: refName, BumpErr: bumpErr, DelErr: delErr}
	}
	return nil
}
