// Package dice holds the random draws used by the tick simulation.
//
// Every helper takes the tick's *rand.Rand explicitly; nothing here touches the
// global source, so a tick replays exactly from its seed.
package dice

import (
	"math"
	"math/rand"
)

// New returns a generator seeded for one tick.
func New(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// D6 rolls a six-sided die.
func D6(rng *rand.Rand) int {
	return rng.Intn(6) + 1
}

// IntBetween returns an int in [lo, hi] inclusive.
func IntBetween(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

// Uniform returns a float in [lo, hi).
func Uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

// Gauss draws from a normal distribution with mean mu and stddev sigma.
func Gauss(rng *rand.Rand, mu, sigma float64) float64 {
	return mu + sigma*rng.NormFloat64()
}

// Chance reports whether a uniform draw lands below p.
func Chance(rng *rand.Rand, p float64) bool {
	return rng.Float64() < p
}

// Poisson samples with Knuth's multiplication method. Rates per tick stay
// small, so the loop is short.
func Poisson(rng *rand.Rand, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	limit := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		k++
		p *= rng.Float64()
		if p <= limit {
			break
		}
	}
	return k - 1
}

// Pick returns one element uniformly. items must be non-empty.
func Pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.Intn(len(items))]
}

// Shuffle permutes items in place.
func Shuffle[T any](rng *rand.Rand, items []T) {
	rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
}

// Sample returns k distinct elements (or all of them when k >= len(items)).
func Sample[T any](rng *rand.Rand, items []T, k int) []T {
	if k >= len(items) {
		k = len(items)
	}
	if k <= 0 {
		return nil
	}
	out := make([]T, 0, k)
	for _, idx := range rng.Perm(len(items))[:k] {
		out = append(out, items[idx])
	}
	return out
}

// Round3 rounds to three decimal places.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
