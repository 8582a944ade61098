// Package allocator turns a tick's energy into concrete action budgets.
package allocator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"ghostship.forum/internal/sim/catalogs"
	"ghostship.forum/internal/sim/dice"
	"ghostship.forum/internal/sim/tuning"
)

var ErrNoCatalog = errors.New("allocator: special event catalog is empty")

// Allocation is the tick's budget. Downstream scaling may shrink it but all
// five counts stay non-negative.
type Allocation struct {
	Registrations    int `json:"registrations"`
	Threads          int `json:"threads"`
	Replies          int `json:"replies"`
	PrivateMessages  int `json:"private_messages"`
	ModerationEvents int `json:"moderation_events"`

	Omen          bool                   `json:"omen"`
	Seance        bool                   `json:"seance"`
	OmenDetails   *catalogs.SpecialEvent `json:"omen_details,omitempty"`
	SeanceDetails *catalogs.SpecialEvent `json:"seance_details,omitempty"`
	Notes         []string               `json:"notes"`
}

// Counts is the compact form stored on the oracle record.
type Counts struct {
	Regs    int `json:"regs"`
	Threads int `json:"threads"`
	Replies int `json:"replies"`
	PMs     int `json:"pms"`
	Mods    int `json:"mods"`
}

func (a Allocation) Counts() Counts {
	return Counts{
		Regs:    a.Registrations,
		Threads: a.Threads,
		Replies: a.Replies,
		PMs:     a.PrivateMessages,
		Mods:    a.ModerationEvents,
	}
}

// LLMActions is the number of completion-backed actions the budget asks for.
func (a Allocation) LLMActions() int {
	return a.Threads + a.Replies + a.PrivateMessages
}

type SpecialFlags struct {
	Omen          bool                   `json:"omen"`
	Seance        bool                   `json:"seance"`
	OmenDetails   *catalogs.SpecialEvent `json:"omen_details,omitempty"`
	SeanceDetails *catalogs.SpecialEvent `json:"seance_details,omitempty"`
}

func (a Allocation) Specials() SpecialFlags {
	return SpecialFlags{Omen: a.Omen, Seance: a.Seance, OmenDetails: a.OmenDetails, SeanceDetails: a.SeanceDetails}
}

type RecentMetrics struct {
	Count   int
	AvgHeat float64
}

// Streaks count ticks since the last omen and seance.
type Streaks struct {
	Omen   int `json:"omen"`
	Seance int `json:"seance"`
}

type Input struct {
	EnergyPrime  int
	ActiveAgents int
	// Population drives the carrying-capacity term. Zero means ActiveAgents.
	Population int
	Recent     RecentMetrics
	Streaks    Streaks
	ForcedCard string
}

type Allocator struct {
	cfg tuning.Oracle
	cat *catalogs.Catalogs
}

func New(cfg tuning.Oracle, cat *catalogs.Catalogs) *Allocator {
	return &Allocator{cfg: cfg, cat: cat}
}

// RegistrationMultiplier maps the modulated energy to a growth band.
func RegistrationMultiplier(energyPrime int) float64 {
	switch {
	case energyPrime <= 2:
		return 0.2
	case energyPrime <= 5:
		return 0.6
	case energyPrime <= 9:
		return 1.0
	case energyPrime <= 14:
		return 1.5
	default:
		return 2.5
	}
}

func (a *Allocator) registrations(energyPrime, population int, rng *rand.Rand) int {
	mult := RegistrationMultiplier(energyPrime)
	root := math.Sqrt(float64(max(population, 0)))
	carrying := 1.0
	if a.cfg.ForumCapacity > 0 {
		carrying = math.Max(1-float64(population)/float64(a.cfg.ForumCapacity), 0)
	}
	baseline := a.cfg.RegBaseline + a.cfg.RegSqrtFactor*root
	noise := dice.Gauss(rng, 0, 0.5)
	return max(int(math.Round(mult*baseline*carrying+noise)), 0)
}

// OmenProbability grows by 1.5 points per quiet tick, capped at 0.45.
func (a *Allocator) OmenProbability(streak int) float64 {
	streak = max(streak, 0)
	return math.Min(0.45, a.cfg.OmenProbability+0.015*float64(min(streak, 20)))
}

func (a *Allocator) SeanceProbability(streak int) float64 {
	streak = max(streak, 0)
	return math.Min(0.7, a.cfg.SeanceProbability+0.05*float64(min(streak, 10)))
}

// SeanceThreshold is the energy a seance needs; it drops by one every three
// quiet ticks, never below 8.
func (a *Allocator) SeanceThreshold(streak int) int {
	streak = max(streak, 0)
	return max(8, a.cfg.SeanceThreshold-streak/3)
}

// DetermineSpecials draws the omen flag first, then the seance flag when the
// energy clears the threshold. The draw order is fixed so replays match.
func (a *Allocator) DetermineSpecials(energyPrime int, streaks Streaks, rng *rand.Rand) (omen, seance bool) {
	omen = rng.Float64() < a.OmenProbability(streaks.Omen)
	if energyPrime >= a.SeanceThreshold(streaks.Seance) {
		seance = rng.Float64() < a.SeanceProbability(streaks.Seance)
	}
	return omen, seance
}

// Allocate draws the tick's budget. Identical input and rng state give an
// identical allocation.
func (a *Allocator) Allocate(in Input, rng *rand.Rand) (Allocation, error) {
	if a.cat == nil || len(a.cat.Seances) == 0 || len(a.cat.Omens) == 0 {
		return Allocation{}, ErrNoCatalog
	}
	if rng == nil {
		return Allocation{}, fmt.Errorf("allocator: nil rng")
	}
	e := max(in.EnergyPrime, 0)
	ef := float64(e)
	active := max(in.ActiveAgents, 1)
	population := in.Population
	if population <= 0 {
		population = active
	}

	out := Allocation{Notes: []string{}}
	out.Registrations = a.registrations(e, population, rng)

	heatPressure := 1 + math.Min(in.Recent.AvgHeat/5, 2)
	agentPressure := math.Max(1.2, math.Log1p(float64(active)))

	threadMean := (ef*0.35 + agentPressure*0.5 + float64(in.Recent.Count)*0.05) * heatPressure
	threadMean = math.Max(0.3, threadMean+dice.Uniform(rng, -0.5, 1.0))
	out.Threads = max(0, int(dice.Gauss(rng, threadMean, math.Max(0.8, threadMean*0.35))))
	if e >= 6 && out.Threads == 0 {
		out.Threads = 1
	}

	replyMean := ef * (2.6 + dice.Uniform(rng, -0.4, 0.5))
	replyMean += agentPressure * 3.4
	replyMean += float64(out.Threads) * (1.8 + rng.Float64())
	replyMean *= heatPressure
	out.Replies = max(0, int(dice.Gauss(rng, replyMean, math.Max(3.0, replyMean*0.32))))

	dmMean := ef*0.9 + agentPressure*1.4 + float64(out.Replies)*0.06
	dmMean = math.Max(0.5, dmMean+dice.Uniform(rng, -1.0, 1.5))
	out.PrivateMessages = max(0, int(dice.Gauss(rng, dmMean, math.Max(2.5, dmMean*0.4))))

	modRate := math.Max(0.05, 0.02*agentPressure+0.04*math.Sqrt(ef+1))
	out.ModerationEvents = dice.Poisson(rng, modRate)

	omen, seance := a.DetermineSpecials(e, in.Streaks, rng)
	var forced *catalogs.SpecialEvent
	if in.ForcedCard != "" {
		if ev, ok := a.cat.Special(in.ForcedCard); ok {
			forced = &ev
			if ev.Kind == catalogs.KindSeance {
				seance = true
			} else {
				omen = true
			}
		} else {
			out.Notes = append(out.Notes, "oracle_card:unknown:"+in.ForcedCard)
		}
	}

	if seance {
		var ev catalogs.SpecialEvent
		if forced != nil && forced.Kind == catalogs.KindSeance {
			ev = *forced
		} else {
			ev = dice.Pick(rng, a.cat.Seances)
		}
		out.Seance = true
		out.SeanceDetails = &ev
		a.ApplySeance(&out, ev)
	}
	if omen {
		var ev catalogs.SpecialEvent
		if forced != nil && forced.Kind == catalogs.KindOmen {
			ev = *forced
		} else {
			ev = dice.Pick(rng, a.cat.Omens)
		}
		out.Omen = true
		out.OmenDetails = &ev
		ApplyOmen(&out, ev)
	}
	return out, nil
}

// ApplySeance floors threads and moderation at one and scales replies and
// DMs by the event's factors.
func (a *Allocator) ApplySeance(out *Allocation, ev catalogs.SpecialEvent) {
	label := ev.Label
	if label == "" {
		label = "seance surge"
	}
	replyFactor := ev.ReplyFactor
	if replyFactor == 0 {
		replyFactor = 2.0
	}
	dmFactor := ev.DMFactor
	if dmFactor == 0 {
		dmFactor = 1.6
	}
	out.Threads = max(out.Threads, max(a.cfg.SeanceThreadFloor, 1))
	out.Replies = scale(out.Replies, replyFactor)
	out.PrivateMessages = scale(out.PrivateMessages, dmFactor)
	out.ModerationEvents = max(out.ModerationEvents, 1)
	out.Notes = append(out.Notes, "seance:"+label)
}

// ApplyOmen multiplies every count by the incident's factor and adds its
// moderation bonus. The report bonus travels with the details only.
func ApplyOmen(out *Allocation, ev catalogs.SpecialEvent) {
	out.Registrations = scale(out.Registrations, orOne(ev.RegistrationsFactor))
	out.Threads = scale(out.Threads, orOne(ev.ThreadsFactor))
	out.Replies = scale(out.Replies, orOne(ev.RepliesFactor))
	out.PrivateMessages = scale(out.PrivateMessages, orOne(ev.PrivateMessagesFactor))
	out.ModerationEvents = max(0, out.ModerationEvents+ev.ModerationBonus)
	if len(ev.Notes) > 0 {
		out.Notes = append(out.Notes, ev.Notes...)
	} else {
		out.Notes = append(out.Notes, "omen: anomalies recorded")
	}
}

func scale(v int, f float64) int {
	return max(0, int(math.Round(float64(v)*f)))
}

func orOne(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}
