package asidecache

import (
	"math/rand/v2"
	"time"
)

// jitter spreads base uniformly over [base*(1-frac), base*(1+frac)] so that
// entries created together do not expire together.
func jitter(base time.Duration, frac float64, rnd func() float64) time.Duration {
	if base <= 0 || frac <= 0 {
		return base
	}
	if frac > 1 {
		frac = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	delta := (rnd()*2 - 1) * frac * float64(base)
	d := base + time.Duration(delta)
	if d <= 0 {
		return base
	}
	return d
}
