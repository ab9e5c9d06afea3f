// Package sloghooks reports cache events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/asidecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	UnavailableEvery uint64
	// LogReads logs hit/miss/coalesced at debug level. Off by default.
	LogReads bool
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr    atomic.Uint64
	unavailableCtr atomic.Uint64
}

var _ asidecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) read(event, resourceType string) {
	if h.l == nil || !h.opts.LogReads {
		return
	}
	h.l.Debug(event, "type", resourceType)
}

func (h *Hooks) Hit(t string)         { h.read("asidecache.hit", t) }
func (h *Hooks) Miss(t string)        { h.read("asidecache.miss", t) }
func (h *Hooks) NegativeHit(t string) { h.read("asidecache.negative_hit", t) }
func (h *Hooks) Coalesced(t string)   { h.read("asidecache.coalesced", t) }

func (h *Hooks) LoadDone(resourceType string, took time.Duration, err error) {
	if h.l == nil || err == nil || errors.Is(err, asidecache.ErrNotFound) {
		return
	}
	h.l.Warn("asidecache.load_failed",
		"type", resourceType,
		"took", took,
		"err", err)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("asidecache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) CacheUnavailable(op string, err error) {
	if h.l == nil || !sample(h.opts.UnavailableEvery, &h.unavailableCtr) {
		return
	}
	h.l.Warn("asidecache.cache_unavailable",
		"op", op,
		"err", err)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("asidecache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) GenError(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("asidecache.gen_error",
		"op", op,
		"err", err)
}

func (h *Hooks) InvalidationFailed(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("asidecache.invalidation_failed",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) InvalidateOutage(ref string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("asidecache.invalidate_outage",
		"ref", ref,
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) LockContended(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Debug("asidecache.lock_contended",
		"key", h.redact(storageKey))
}
