// Package promhooks exports cache events as Prometheus metrics.
package promhooks

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/asidecache"
)

// Hooks counts cache events. Storage keys are never used as label values.
type Hooks struct {
	reads         *prometheus.CounterVec
	coalesced     *prometheus.CounterVec
	loads         *prometheus.HistogramVec
	selfHeals     *prometheus.CounterVec
	unavailable   *prometheus.CounterVec
	setRejected   prometheus.Counter
	genErrors     *prometheus.CounterVec
	invalidations prometheus.Counter
	outages       prometheus.Counter
	lockContended prometheus.Counter
}

var _ asidecache.Hooks = (*Hooks)(nil)

// New registers the metrics with reg. A nil reg means prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Hooks{
		reads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_reads_total",
			Help:      "Cache reads by resource type and outcome (hit, miss, negative_hit)",
		}, []string{"type", "outcome"}),
		coalesced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_coalesced_total",
			Help:      "Callers served by a load shared with other callers",
		}, []string{"type"}),
		loads: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "asidecache_load_duration_seconds",
			Help:      "Data store load latency by resource type and result (ok, not_found, error)",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "result"}),
		selfHeals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_self_heals_total",
			Help:      "Entries dropped on read by reason",
		}, []string{"reason"}),
		unavailable: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_cache_unavailable_total",
			Help:      "Cache store calls that failed and were degraded, by operation",
		}, []string{"op"}),
		setRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_set_rejected_total",
			Help:      "Sets the provider refused under pressure",
		}),
		genErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_gen_errors_total",
			Help:      "Generation store errors by operation",
		}, []string{"op"}),
		invalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_invalidation_failures_total",
			Help:      "Dependent keys that could not be deleted on write",
		}),
		outages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_invalidate_outages_total",
			Help:      "Writes where both the generation bump and a delete failed",
		}),
		lockContended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asidecache_lock_contended_total",
			Help:      "Loads that found the distributed load lock held",
		}),
	}
}

func (h *Hooks) Hit(t string)         { h.reads.WithLabelValues(t, "hit").Inc() }
func (h *Hooks) Miss(t string)        { h.reads.WithLabelValues(t, "miss").Inc() }
func (h *Hooks) NegativeHit(t string) { h.reads.WithLabelValues(t, "negative_hit").Inc() }
func (h *Hooks) Coalesced(t string)   { h.coalesced.WithLabelValues(t).Inc() }

func (h *Hooks) LoadDone(t string, took time.Duration, err error) {
	result := "ok"
	switch {
	case errors.Is(err, asidecache.ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	h.loads.WithLabelValues(t, result).Observe(took.Seconds())
}

func (h *Hooks) SelfHeal(_, reason string)             { h.selfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) CacheUnavailable(op string, _ error)   { h.unavailable.WithLabelValues(op).Inc() }
func (h *Hooks) ProviderSetRejected(string)            { h.setRejected.Inc() }
func (h *Hooks) GenError(op string, _ error)           { h.genErrors.WithLabelValues(op).Inc() }
func (h *Hooks) InvalidationFailed(string, error)      { h.invalidations.Inc() }
func (h *Hooks) InvalidateOutage(string, error, error) { h.outages.Inc() }
func (h *Hooks) LockContended(string)                  { h.lockContended.Inc() }
