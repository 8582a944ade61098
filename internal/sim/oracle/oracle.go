// Package oracle produces the per-tick energy signal.
package oracle

import (
	"math"
	"math/rand"
	"time"

	"ghostship.forum/internal/sim/dice"
)

// Profile is the energy drawn for one tick. It is folded into the oracle
// record and never stored on its own.
type Profile struct {
	Rolls       []int `json:"rolls"`
	Energy      int   `json:"energy"`
	EnergyPrime int   `json:"energy_prime"`
}

// RollExplodingDie rolls a d6 until a roll comes up below 6.
func RollExplodingDie(rng *rand.Rand) []int {
	var rolls []int
	for {
		r := dice.D6(rng)
		rolls = append(rolls, r)
		if r < 6 {
			return rolls
		}
	}
}

// Modulate applies the diurnal cycle: energy * (1 + 0.3*sin(2π*hour/24)).
func Modulate(energy int, at time.Time) int {
	at = at.UTC()
	hour := float64(at.Hour()) + float64(at.Minute())/60.0
	factor := 1 + 0.3*math.Sin(2*math.Pi*hour/24)
	return int(math.Round(float64(energy) * factor))
}

// Draw rolls and modulates the energy for a tick at the given moment.
func Draw(at time.Time, rng *rand.Rand) Profile {
	rolls := RollExplodingDie(rng)
	energy := 0
	for _, r := range rolls {
		energy += r
	}
	return Profile{
		Rolls:       rolls,
		Energy:      energy,
		EnergyPrime: Modulate(energy, at),
	}
}

// ApplyMultiplier scales an already-modulated energy by an operator-provided
// factor. Negative factors count as zero.
func ApplyMultiplier(energyPrime int, mult float64) int {
	if mult < 0 {
		mult = 0
	}
	return int(math.Round(math.Max(0, float64(energyPrime)*mult)))
}
