package allocator

import (
	"math"
	"reflect"
	"testing"

	"ghostship.forum/internal/sim/catalogs"
	"ghostship.forum/internal/sim/dice"
	"ghostship.forum/internal/sim/tuning"
)

func newAllocator(mutate func(*tuning.Oracle)) *Allocator {
	cfg := tuning.Defaults().Oracle
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, catalogs.Defaults())
}

func TestRegistrationMultiplierMonotonic(t *testing.T) {
	prev := 0.0
	for e := 0; e <= 40; e++ {
		m := RegistrationMultiplier(e)
		if m < prev {
			t.Fatalf("multiplier dropped at %d: %v < %v", e, m, prev)
		}
		prev = m
	}
	cases := map[int]float64{0: 0.2, 2: 0.2, 3: 0.6, 5: 0.6, 6: 1.0, 9: 1.0, 10: 1.5, 14: 1.5, 15: 2.5, 99: 2.5}
	for e, want := range cases {
		if got := RegistrationMultiplier(e); got != want {
			t.Fatalf("RegistrationMultiplier(%d)=%v want %v", e, got, want)
		}
	}
}

func TestAllocateCountsNonNegative(t *testing.T) {
	a := newAllocator(nil)
	for seed := int64(0); seed < 300; seed++ {
		rng := dice.New(seed)
		for _, e := range []int{0, 1, 4, 9, 16, 30} {
			out, err := a.Allocate(Input{
				EnergyPrime:  e,
				ActiveAgents: int(seed % 40),
				Recent:       RecentMetrics{Count: int(seed % 25), AvgHeat: float64(seed%7) * 1.3},
				Streaks:      Streaks{Omen: int(seed % 30), Seance: int(seed % 15)},
			}, rng)
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			c := out.Counts()
			if c.Regs < 0 || c.Threads < 0 || c.Replies < 0 || c.PMs < 0 || c.Mods < 0 {
				t.Fatalf("negative count seed=%d e=%d: %+v", seed, e, c)
			}
		}
	}
}

func TestAllocateForcesThreadAtHighEnergy(t *testing.T) {
	a := newAllocator(func(o *tuning.Oracle) { o.OmenProbability = 0 })
	for seed := int64(0); seed < 500; seed++ {
		out, err := a.Allocate(Input{EnergyPrime: 6, ActiveAgents: 1}, dice.New(seed))
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if out.Threads < 1 {
			t.Fatalf("seed=%d produced zero threads at energy 6", seed)
		}
	}
}

func TestSpecialProbabilitiesNonDecreasing(t *testing.T) {
	a := newAllocator(nil)
	for s := 0; s < 40; s++ {
		if a.OmenProbability(s+1) < a.OmenProbability(s) {
			t.Fatalf("omen probability dropped at streak %d", s)
		}
		if a.SeanceProbability(s+1) < a.SeanceProbability(s) {
			t.Fatalf("seance probability dropped at streak %d", s)
		}
		if a.SeanceThreshold(s+1) > a.SeanceThreshold(s) {
			t.Fatalf("seance threshold rose at streak %d", s)
		}
	}
	if got := a.OmenProbability(100); math.Abs(got-0.31) > 1e-9 {
		t.Fatalf("omen probability at cap=%v", got)
	}
	if got := a.SeanceProbability(100); math.Abs(got-0.62) > 1e-9 {
		t.Fatalf("seance probability at cap=%v", got)
	}
	if got := a.SeanceThreshold(100); got != 8 {
		t.Fatalf("seance threshold floor=%d", got)
	}
}

func TestDetermineSpecialsDeterministic(t *testing.T) {
	a := newAllocator(nil)
	for seed := int64(0); seed < 50; seed++ {
		o1, s1 := a.DetermineSpecials(14, Streaks{Omen: 7, Seance: 4}, dice.New(seed))
		o2, s2 := a.DetermineSpecials(14, Streaks{Omen: 7, Seance: 4}, dice.New(seed))
		if o1 != o2 || s1 != s2 {
			t.Fatalf("seed=%d specials differ", seed)
		}
	}
	// Below the threshold a seance never fires.
	for seed := int64(0); seed < 200; seed++ {
		if _, s := a.DetermineSpecials(3, Streaks{}, dice.New(seed)); s {
			t.Fatalf("seance fired below threshold")
		}
	}
}

func TestAllocateDeterministic(t *testing.T) {
	a := newAllocator(nil)
	in := Input{EnergyPrime: 11, ActiveAgents: 12, Recent: RecentMetrics{Count: 9, AvgHeat: 3.5}, Streaks: Streaks{Omen: 12, Seance: 6}}
	x, err := a.Allocate(in, dice.New(42))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	y, err := a.Allocate(in, dice.New(42))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !reflect.DeepEqual(x, y) {
		t.Fatalf("allocations differ:\n%+v\n%+v", x, y)
	}
}

func TestAllocateEmpiricalMeans(t *testing.T) {
	a := newAllocator(func(o *tuning.Oracle) { o.OmenProbability = 0 })
	const n = 4000
	var threads, replies float64
	for seed := int64(0); seed < n; seed++ {
		out, err := a.Allocate(Input{EnergyPrime: 9, ActiveAgents: 5}, dice.New(seed))
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if out.Omen || out.Seance {
			t.Fatalf("seed=%d unexpected special", seed)
		}
		threads += float64(out.Threads)
		replies += float64(out.Replies)
	}
	threads /= n
	replies /= n

	ap := math.Log1p(5)
	threadMean := 9*0.35 + ap*0.5 + 0.25
	// int() truncation pulls the sample mean roughly half a unit under the
	// gaussian centre.
	if threads < threadMean-1.0 || threads > threadMean+0.2 {
		t.Fatalf("thread mean %.3f outside band around %.3f", threads, threadMean)
	}
	replyMean := 9*2.65 + ap*3.4 + threads*2.3
	if math.Abs(replies-(replyMean-0.5)) > 2.0 {
		t.Fatalf("reply mean %.3f far from %.3f", replies, replyMean)
	}
}

func TestForcedCardSelectsEvent(t *testing.T) {
	a := newAllocator(func(o *tuning.Oracle) { o.OmenProbability = 0 })
	out, err := a.Allocate(Input{EnergyPrime: 2, ActiveAgents: 3, ForcedCard: "troll-raid"}, dice.New(1))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !out.Omen || out.OmenDetails == nil || out.OmenDetails.Slug != "troll-raid" {
		t.Fatalf("forced omen not applied: %+v", out)
	}
	if out.ModerationEvents < 5 {
		t.Fatalf("moderation bonus missing: %d", out.ModerationEvents)
	}

	out, err = a.Allocate(Input{EnergyPrime: 2, ActiveAgents: 3, ForcedCard: "echo-market"}, dice.New(1))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !out.Seance || out.SeanceDetails.Slug != "echo-market" || out.Threads < 1 || out.ModerationEvents < 1 {
		t.Fatalf("forced seance not applied: %+v", out)
	}
	if out.Notes[len(out.Notes)-1] != "seance:Echo Market" {
		t.Fatalf("notes=%v", out.Notes)
	}

	out, err = a.Allocate(Input{EnergyPrime: 2, ActiveAgents: 3, ForcedCard: "nope"}, dice.New(1))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if out.Omen || out.Seance || len(out.Notes) == 0 || out.Notes[0] != "oracle_card:unknown:nope" {
		t.Fatalf("unknown card handling: %+v", out)
	}
}

func TestAllocateNeedsCatalog(t *testing.T) {
	a := New(tuning.Defaults().Oracle, &catalogs.Catalogs{})
	if _, err := a.Allocate(Input{EnergyPrime: 5}, dice.New(1)); err != ErrNoCatalog {
		t.Fatalf("err=%v want ErrNoCatalog", err)
	}
}
