package agentstate

import (
	"context"
	"errors"
	"testing"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/forum/forumtest"
	"ghostship.forum/internal/sim/dice"
	"ghostship.forum/internal/sim/tuning"
)

func seedAgents(t *testing.T, store *forumtest.Memory, n int) []*forum.Agent {
	t.Helper()
	ctx := context.Background()
	var out []*forum.Agent
	for i := 0; i < n; i++ {
		a := &forum.Agent{Name: "ghost" + string(rune('a'+i)), Archetype: "helper"}
		a.State.Needs = map[string]float64{"attention": 0.9, "novelty": 0.05}
		a.State.Suspicion = 0.5
		a.State.Cooldowns = map[string]int{"reply": 2, "thread": 0}
		if err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("create agent: %v", err)
		}
		out = append(out, a)
	}
	return out
}

func TestProgressKeepsNeedsInBounds(t *testing.T) {
	store := forumtest.New()
	seedAgents(t, store, 6)
	cfg := tuning.Defaults()
	eng := New(store, cfg, nil)
	rng := dice.New(7)
	ctx := context.Background()

	for tick := 1; tick <= 40; tick++ {
		traces, err := eng.Progress(ctx, tick, rng)
		if err != nil {
			t.Fatalf("progress: %v", err)
		}
		if len(traces) != 6 {
			t.Fatalf("tick %d: traces=%d", tick, len(traces))
		}
		for _, tr := range traces {
			for k, v := range tr.Needs {
				if v < cfg.Needs.Floor || v > cfg.Needs.Ceiling {
					t.Fatalf("tick %d: need %s=%v outside [%v,%v]", tick, k, v, cfg.Needs.Floor, cfg.Needs.Ceiling)
				}
			}
			for k, v := range tr.Cooldowns {
				if v < 0 {
					t.Fatalf("cooldown %s went negative", k)
				}
			}
			if tr.Suspicion < cfg.Suspicion.Floor || tr.Suspicion > cfg.Suspicion.Ceiling {
				t.Fatalf("suspicion %v out of bounds", tr.Suspicion)
			}
		}
	}

	agents, _ := store.ListAgents(ctx)
	for _, a := range agents {
		if a.State.Mind.LastDriftTick != 40 {
			t.Fatalf("last drift tick not persisted: %d", a.State.Mind.LastDriftTick)
		}
		if a.State.Cooldowns["reply"] != 0 {
			t.Fatalf("cooldown should have run down, got %d", a.State.Cooldowns["reply"])
		}
		if len(a.State.Mind.ActionBias) != len(cfg.ActionBias) {
			t.Fatalf("action bias not computed for every rule: %v", a.State.Mind.ActionBias)
		}
		// baseline needs merged in
		if _, ok := a.State.Needs["belonging"]; !ok {
			t.Fatalf("baseline need missing: %v", a.State.Needs)
		}
	}
}

func TestProgressAppliesCooldownPenalty(t *testing.T) {
	store := forumtest.New()
	ctx := context.Background()
	cfg := tuning.Defaults()
	cfg.Needs.DriftJitter = 0
	cfg.Needs.Drift = map[string]float64{}

	hot := &forum.Agent{Name: "hot"}
	hot.State.Cooldowns = map[string]int{"thread": 5}
	cold := &forum.Agent{Name: "cold"}
	for _, a := range []*forum.Agent{hot, cold} {
		if err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	traces, err := New(store, cfg, nil).Progress(ctx, 1, dice.New(1))
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	hb, cb := traces[0].ActionBias["thread"], traces[1].ActionBias["thread"]
	want := dice.Round3(cb * (1 - cfg.ActionBias["thread"].CooldownPenalty))
	if diff := hb - want; diff > 0.002 || diff < -0.002 {
		t.Fatalf("cooled bias %v want ~%v (uncooled %v)", hb, want, cb)
	}
}

func TestMoodLabel(t *testing.T) {
	bands := tuning.Defaults().Mood.Bands
	cases := []struct {
		score float64
		want  string
	}{
		{0.1, "exhausted"},
		{0.25, "exhausted"},
		{0.3, "strained"},
		{0.7, "bright"},
		{5, "radiant"},
	}
	for _, c := range cases {
		if got := MoodLabel(c.score, bands, "neutral"); got != c.want {
			t.Fatalf("MoodLabel(%v)=%q want %q", c.score, got, c.want)
		}
	}
	if got := MoodLabel(0.5, nil, "odd"); got != "odd" {
		t.Fatalf("no bands should keep current label, got %q", got)
	}
}

func TestRegisterActionReport(t *testing.T) {
	store := forumtest.New()
	ctx := context.Background()
	cfg := tuning.Defaults()
	a := &forum.Agent{Name: "narc"}
	a.State.Suspicion = 0.3
	a.State.Reputation.Global = 0.1
	if err := store.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	eng := New(store, cfg, nil)

	rec, err := eng.RegisterAction(ctx, a, "report", 3, map[string]any{"thread": 9})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.State.Suspicion >= 0.3 {
		t.Fatalf("report must lower suspicion, got %v", a.State.Suspicion)
	}
	if a.State.Reputation.Global <= 0.1 {
		t.Fatalf("report must raise reputation, got %v", a.State.Reputation.Global)
	}
	if rec.Cooldown != cfg.Cooldowns["report"] || a.State.Cooldowns["report"] != cfg.Cooldowns["report"] {
		t.Fatalf("cooldown not set: %+v", rec)
	}

	// bounded at the floor and ceiling
	a.State.Suspicion = 0
	a.State.Reputation.Global = 1
	if _, err := eng.RegisterAction(ctx, a, "report", 4, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.State.Suspicion != 0 || a.State.Reputation.Global != 1 {
		t.Fatalf("bounds violated: susp=%v rep=%v", a.State.Suspicion, a.State.Reputation.Global)
	}

	stored, _ := store.GetAgent(ctx, a.ID)
	if stored.State.Mind.LastAction == nil || stored.State.Mind.LastAction.Tick != 4 {
		t.Fatalf("last action not persisted: %+v", stored.State.Mind.LastAction)
	}
}

func TestRegisterActionDMPenaltyAndLogCap(t *testing.T) {
	store := forumtest.New()
	ctx := context.Background()
	a := &forum.Agent{Name: "chatty"}
	if err := store.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	eng := New(store, tuning.Defaults(), nil)
	for i := 0; i < 20; i++ {
		if _, err := eng.RegisterAction(ctx, a, "dm", i, nil); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if len(a.State.Mind.ActionLog) != actionLogMax {
		t.Fatalf("action log len=%d", len(a.State.Mind.ActionLog))
	}
	if a.State.Mind.ActionLog[0].Tick != 8 {
		t.Fatalf("oldest entry should be evicted, first tick=%d", a.State.Mind.ActionLog[0].Tick)
	}
	if a.State.Suspicion <= 0 {
		t.Fatalf("dm should add suspicion")
	}
}

func TestWeightedChoice(t *testing.T) {
	mk := func(id int64, bias float64) *forum.Agent {
		a := &forum.Agent{ID: id}
		a.State.Mind.ActionBias = map[string]float64{"reply": bias}
		return a
	}
	pool := []*forum.Agent{mk(1, 0), mk(2, 5), mk(3, -1)}
	rng := dice.New(11)

	counts := map[int64]int{}
	for i := 0; i < 2000; i++ {
		a, err := WeightedChoice(pool, "reply", rng, map[int64]bool{3: true})
		if err != nil {
			t.Fatalf("choice: %v", err)
		}
		if a.ID == 3 {
			t.Fatalf("disallowed agent returned")
		}
		counts[a.ID]++
	}
	if counts[2] < counts[1]*10 {
		t.Fatalf("heavier bias should dominate: %v", counts)
	}
	if counts[1] == 0 {
		t.Fatalf("floor weight should still allow zero-bias agents: %v", counts)
	}

	_, err := WeightedChoice(pool, "reply", rng, map[int64]bool{1: true, 2: true, 3: true})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	if _, err := WeightedChoice(nil, "reply", rng, nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates for empty pool, got %v", err)
	}
}
