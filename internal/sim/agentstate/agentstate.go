package agentstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/sim/dice"
	"ghostship.forum/internal/sim/tuning"
)

var ErrNoCandidates = errors.New("no agents available for weighted choice")

const (
	actionLogMax = 12
	minWeight    = 0.05
)

// Trace is the per-agent record of one progress pass.
type Trace struct {
	Agent      string             `json:"agent"`
	Mood       string             `json:"mood"`
	Needs      map[string]float64 `json:"needs"`
	Deltas     map[string]float64 `json:"deltas"`
	Suspicion  float64            `json:"suspicion"`
	Reputation float64            `json:"reputation"`
	Cooldowns  map[string]int     `json:"cooldowns"`
	ActionBias map[string]float64 `json:"action_bias"`
}

type Engine struct {
	agents forum.AgentRepository
	cfg    tuning.Tuning
	log    *log.Logger
}

func New(agents forum.AgentRepository, cfg tuning.Tuning, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{agents: agents, cfg: cfg, log: logger}
}

// Progress advances every agent by one tick and persists each with a single
// write. An agent that fails to save is logged and skipped.
func (e *Engine) Progress(ctx context.Context, tick int, rng *rand.Rand) ([]Trace, error) {
	agents, err := e.agents.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	traces := make([]Trace, 0, len(agents))
	for _, a := range agents {
		tr := e.step(a, tick, rng)
		if err := e.agents.SaveAgent(ctx, a); err != nil {
			e.log.Printf("agent state: save %s: %v", a.Name, err)
			continue
		}
		traces = append(traces, tr)
	}
	return traces, nil
}

func (e *Engine) step(a *forum.Agent, tick int, rng *rand.Rand) Trace {
	st := &a.State
	st.Normalize()
	nc := e.cfg.Needs

	// Needs present in the baseline are advanced in sorted order so a seeded
	// rng yields the same jitter per need.
	needs := make(map[string]float64, len(nc.Baseline))
	for k, v := range nc.Baseline {
		needs[k] = v
	}
	for k, v := range st.Needs {
		needs[k] = v
	}
	deltas := make(map[string]float64, len(needs))
	for _, k := range sortedKeys(needs) {
		cur := needs[k]
		d := nc.Drift[k]
		if nc.DriftJitter != 0 {
			d += dice.Uniform(rng, -nc.DriftJitter, nc.DriftJitter)
		}
		next := dice.Clamp(cur+d, nc.Floor, nc.Ceiling)
		deltas[k] = dice.Round3(next - cur)
		needs[k] = dice.Round3(next)
	}

	for k, v := range st.Cooldowns {
		st.Cooldowns[k] = max(0, v-1)
	}

	sc := e.cfg.Suspicion
	susp := dice.Clamp(st.Suspicion-sc.Decay, sc.Floor, sc.Ceiling)

	rc := e.cfg.Reputation
	rep := st.Reputation.Global
	switch {
	case rep > 0:
		rep = max(0, rep-rc.Decay)
	case rep < 0:
		rep = min(0, rep+rc.Decay)
	}
	rep = dice.Round3(dice.Clamp(rep, rc.Floor, rc.Ceiling))

	mood := MoodLabel(MoodScore(needs, susp, e.cfg.Mood.SuspicionBias), e.cfg.Mood.Bands, st.Mood)

	bias := make(map[string]float64, len(e.cfg.ActionBias))
	for action, rule := range e.cfg.ActionBias {
		score := 0.0
		for need, w := range rule.Needs {
			v, ok := needs[need]
			if !ok {
				v = 0.5
			}
			score += v * w
		}
		if action == "report" {
			score += susp * rule.SuspicionWeight
		}
		if st.Cooldowns[action] > 0 {
			score *= max(minWeight, 1-rule.CooldownPenalty)
		}
		bias[action] = dice.Round3(score)
	}

	st.Needs = needs
	st.Mood = mood
	st.Suspicion = dice.Round3(susp)
	st.Reputation.Global = rep
	st.Mind.ActionBias = bias
	st.Mind.LastDriftTick = tick

	cd := make(map[string]int, len(st.Cooldowns))
	for k, v := range st.Cooldowns {
		cd[k] = v
	}
	return Trace{
		Agent:      a.Name,
		Mood:       mood,
		Needs:      copyFloats(needs),
		Deltas:     deltas,
		Suspicion:  st.Suspicion,
		Reputation: rep,
		Cooldowns:  cd,
		ActionBias: copyFloats(bias),
	}
}

// MoodScore is the mean need value minus the suspicion drag.
func MoodScore(needs map[string]float64, suspicion, bias float64) float64 {
	sum := 0.0
	for _, v := range needs {
		sum += v
	}
	return sum/float64(max(len(needs), 1)) - suspicion*bias
}

// MoodLabel returns the first band (ascending) whose threshold is >= score.
// A score above every band takes the last band; with no bands the current
// label is kept.
func MoodLabel(score float64, bands []tuning.MoodBand, current string) string {
	if len(bands) == 0 {
		return current
	}
	for _, b := range bands {
		if score <= b.Threshold {
			return b.Label
		}
	}
	return bands[len(bands)-1].Label
}

// RegisterAction applies the after-effects of an action the agent actually
// took and saves the agent.
func (e *Engine) RegisterAction(ctx context.Context, a *forum.Agent, action string, tick int, details map[string]any) (forum.ActionRecord, error) {
	st := &a.State
	st.Normalize()

	if n := e.cfg.Cooldowns[action]; n > 0 {
		st.Cooldowns[action] = n
	}

	sc := e.cfg.Suspicion
	susp := st.Suspicion
	switch action {
	case "report":
		susp -= sc.ReportRelief
	case "dm", "private_message":
		susp += sc.DMPenalty
	}
	st.Suspicion = dice.Round3(dice.Clamp(susp, sc.Floor, sc.Ceiling))

	if action == "report" && e.cfg.Reputation.BoostPerReport != 0 {
		rc := e.cfg.Reputation
		st.Reputation.Global = dice.Round3(dice.Clamp(st.Reputation.Global+rc.BoostPerReport, rc.Floor, rc.Ceiling))
	}

	rec := forum.ActionRecord{
		Action:    action,
		Tick:      tick,
		Cooldown:  st.Cooldowns[action],
		Bias:      st.Mind.ActionBias[action],
		Suspicion: st.Suspicion,
		Context:   details,
	}
	st.Mind.ActionLog = append(st.Mind.ActionLog, rec)
	if len(st.Mind.ActionLog) > actionLogMax {
		st.Mind.ActionLog = append([]forum.ActionRecord(nil), st.Mind.ActionLog[len(st.Mind.ActionLog)-actionLogMax:]...)
	}
	last := rec
	st.Mind.LastAction = &last

	if err := e.agents.SaveAgent(ctx, a); err != nil {
		return rec, fmt.Errorf("register %s for %s: %w", action, a.Name, err)
	}
	return rec, nil
}

// Bias returns the stored action bias for the agent.
func Bias(a *forum.Agent, action string) float64 {
	if a.State.Mind.ActionBias == nil {
		return 0
	}
	return a.State.Mind.ActionBias[action]
}

// WeightedChoice samples an agent proportional to its action bias, skipping
// ids in disallow. Non-positive biases weigh minWeight.
func WeightedChoice(agents []*forum.Agent, action string, rng *rand.Rand, disallow map[int64]bool) (*forum.Agent, error) {
	pool := make([]*forum.Agent, 0, len(agents))
	for _, a := range agents {
		if a != nil && !disallow[a.ID] {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		return nil, ErrNoCandidates
	}
	weights := make([]float64, len(pool))
	total := 0.0
	for i, a := range pool {
		w := Bias(a, action)
		if w <= 0 {
			w = minWeight
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return dice.Pick(rng, pool), nil
	}
	pivot := dice.Uniform(rng, 0, total)
	cum := 0.0
	for i, a := range pool {
		cum += weights[i]
		if pivot <= cum {
			return a, nil
		}
	}
	return pool[len(pool)-1], nil
}
