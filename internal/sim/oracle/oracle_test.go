package oracle

import (
	"reflect"
	"testing"
	"time"

	"ghostship.forum/internal/sim/dice"
)

func TestRollExplodingDieStopsBelowSix(t *testing.T) {
	rng := dice.New(11)
	for i := 0; i < 1000; i++ {
		rolls := RollExplodingDie(rng)
		if len(rolls) == 0 {
			t.Fatalf("empty rolls")
		}
		for j, r := range rolls {
			last := j == len(rolls)-1
			if last && r >= 6 {
				t.Fatalf("last roll must be < 6: %v", rolls)
			}
			if !last && r != 6 {
				t.Fatalf("only sixes may explode: %v", rolls)
			}
		}
	}
}

func TestModulateDiurnalCycle(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := Modulate(10, day); got != 10 {
		t.Fatalf("midnight=%d want 10", got)
	}
	if got := Modulate(10, day.Add(6*time.Hour)); got != 13 {
		t.Fatalf("06:00=%d want 13", got)
	}
	if got := Modulate(10, day.Add(18*time.Hour)); got != 7 {
		t.Fatalf("18:00=%d want 7", got)
	}
}

func TestDrawDeterministic(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	a := Draw(at, dice.New(42))
	b := Draw(at, dice.New(42))
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("draws differ: %+v vs %+v", a, b)
	}
	sum := 0
	for _, r := range a.Rolls {
		sum += r
	}
	if sum != a.Energy {
		t.Fatalf("energy=%d sum=%d", a.Energy, sum)
	}
}

func TestApplyMultiplier(t *testing.T) {
	if got := ApplyMultiplier(10, 1.5); got != 15 {
		t.Fatalf("got %d", got)
	}
	if got := ApplyMultiplier(10, -2); got != 0 {
		t.Fatalf("negative multiplier got %d", got)
	}
}
