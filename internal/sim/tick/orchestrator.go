// Package tick runs one simulation tick end to end: presence, agent state,
// oracle and allocation, lore and admin housekeeping, registrations, thread,
// reply and DM phases, and finally the oracle draw and tick record.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/generation"
	"ghostship.forum/internal/settings"
	"ghostship.forum/internal/sim/agentstate"
	"ghostship.forum/internal/sim/allocator"
	"ghostship.forum/internal/sim/catalogs"
	"ghostship.forum/internal/sim/dice"
	"ghostship.forum/internal/sim/oracle"
	"ghostship.forum/internal/sim/tuning"
	"ghostship.forum/internal/tickcontrol"
)

// Options are the per-run knobs. Zero values mean "draw normally".
type Options struct {
	Seed             *int64
	Force            bool
	Origin           string
	Note             string
	OracleCard       string
	EnergyMultiplier *float64
}

// StepResult records one item that failed and was skipped.
type StepResult struct {
	Kind string `json:"kind"`
	Err  string `json:"error"`
}

type Result struct {
	RunID       string                 `json:"run_id,omitempty"`
	Tick        int                    `json:"tick_number"`
	Origin      string                 `json:"origin"`
	Skipped     bool                   `json:"skipped"`
	Seed        int64                  `json:"seed"`
	Energy      int                    `json:"energy"`
	EnergyPrime int                    `json:"energy_prime"`
	Allocation  allocator.Allocation   `json:"allocation"`
	Events      int                    `json:"events"`
	Threads     int                    `json:"threads_created"`
	Tasks       int                    `json:"tasks_enqueued"`
	Failures    []StepResult           `json:"failures,omitempty"`
	Generation  generation.Stats       `json:"generation"`
	Specials    allocator.SpecialFlags `json:"specials"`
}

// Queue is the slice of the generation queue the tick drives.
type Queue interface {
	Enqueue(ctx context.Context, nt forum.NewTask) (*forum.GenerationTask, error)
	DrainFor(ctx context.Context, typ forum.TaskType, threadID int64, maxLoops, batch int, rng *rand.Rand) (generation.Stats, error)
}

// TickSink receives the finished record, e.g. the compressed archive or the
// observer feed.
type TickSink interface {
	WriteTick(rec *forum.TickRecord) error
}

type Deps struct {
	Store      forum.Store
	Queue      Queue
	Control    *tickcontrol.Control
	Settings   *settings.Settings
	Tuning     tuning.Tuning
	TuningPath string
	Catalogs   *catalogs.Catalogs
	Auditor    forum.Auditor
	Sinks      []TickSink
	Logger     *log.Logger
	Now        func() time.Time
}

type Orchestrator struct {
	store    forum.Store
	queue    Queue
	control  *tickcontrol.Control
	settings *settings.Settings
	engine   *agentstate.Engine
	alloc    *allocator.Allocator
	cfg      tuning.Tuning
	cfgPath  string
	cat      *catalogs.Catalogs
	auditor  forum.Auditor
	sinks    []TickSink
	logger   *log.Logger
	now      func() time.Time
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Catalogs == nil {
		d.Catalogs = catalogs.Defaults()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Control == nil {
		d.Control = tickcontrol.New(d.Store)
	}
	if d.Settings == nil {
		d.Settings = settings.New(d.Store)
	}
	auditor := d.Auditor
	if auditor == nil {
		auditor = d.Store
	}
	return &Orchestrator{
		store:    d.Store,
		queue:    d.Queue,
		control:  d.Control,
		settings: d.Settings,
		engine:   agentstate.New(d.Store, d.Tuning, d.Logger),
		alloc:    allocator.New(d.Tuning.Oracle, d.Catalogs),
		cfg:      d.Tuning,
		cfgPath:  d.TuningPath,
		cat:      d.Catalogs,
		auditor:  auditor,
		sinks:    d.Sinks,
		logger:   d.Logger,
		now:      d.Now,
	}
}

// AddSink registers another receiver for finished records. Call it before
// ticks start running.
func (o *Orchestrator) AddSink(s TickSink) { o.sinks = append(o.sinks, s) }

// run is the mutable state of one tick.
type run struct {
	o      *Orchestrator
	id     string
	tick   int
	now    time.Time
	seed   int64
	rng    *rand.Rand
	origin string

	events   []forum.Event
	trace    []map[string]any
	failures []StepResult
	gen      generation.Stats
	tasks    int
	ceiling  int

	alloc        allocator.Allocation
	eventContext map[string]any
	boards       []*forum.Board
	lore         []*forum.LoreEvent
	newAgents    []*forum.Agent
	newThreads   []*forum.Thread
	dmPlanned    int
}

func (r *run) emit(typ string, fields map[string]any) forum.Event {
	e := forum.NewEvent(typ, fields)
	r.events = append(r.events, e)
	return e
}

// fail logs a per-item failure and keeps going.
func (r *run) fail(kind string, err error) {
	r.o.logger.Printf("tick %d: %s: %v", r.tick, kind, err)
	r.failures = append(r.failures, StepResult{Kind: kind, Err: err.Error()})
}

// Run executes one tick. A frozen tick without Force returns Skipped with no
// error. Errors are returned only for failures that leave the tick unwritten.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	origin := strings.TrimSpace(opts.Origin)
	if origin == "" {
		origin = "manual"
		if opts.Force {
			origin = "manual-override"
		}
	}
	freeze, err := o.control.Describe(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("freeze state: %w", err)
	}
	if freeze.Frozen && !opts.Force {
		o.logger.Printf("tick: frozen (%s), skipping; force to override", freeze.Reason)
		return Result{Origin: origin, Skipped: true}, nil
	}

	now := o.now()
	seed := now.UnixMilli()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	last, err := o.store.LastTick(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("last tick: %w", err)
	}
	r := &run{
		o:      o,
		id:     uuid.NewString(),
		tick:   last + 1,
		now:    now,
		seed:   seed,
		rng:    dice.New(seed),
		origin: origin,
	}

	var override forum.Event
	if freeze.Frozen && opts.Force {
		override = forum.NewEvent("tick_override", map[string]any{
			"operator_note":   strings.TrimSpace(opts.Note),
			"previous_actor":  freeze.Actor,
			"previous_reason": freeze.Reason,
		})
		o.audit(ctx, forum.AuditEntry{
			At: now, Tick: r.tick, Kind: "tick_override", Actor: origin,
			Details: map[string]any{"note": opts.Note, "previous_actor": freeze.Actor, "previous_reason": freeze.Reason},
		})
	}

	r.decayPresence(ctx)
	r.refreshPresence(ctx)

	traces, err := o.engine.Progress(ctx, r.tick, r.rng)
	if err != nil {
		return Result{}, fmt.Errorf("agent state: %w", err)
	}
	r.trace = append(r.trace, map[string]any{"phase": "pre", "updates": traces})

	profile := oracle.Draw(now, r.rng)
	energyPrime := profile.EnergyPrime
	var applied any
	if opts.EnergyMultiplier != nil {
		m := max(0, *opts.EnergyMultiplier)
		energyPrime = oracle.ApplyMultiplier(energyPrime, m)
		applied = m
	}
	var card any
	if c := strings.TrimSpace(opts.OracleCard); c != "" {
		card = c
	}

	snap := o.cfg.Snapshot(o.cfgPath)
	r.emit("config_snapshot", map[string]any{"fingerprint": snap.Fingerprint, "path": snap.Path, "version": snap.Version})
	sample := traces
	if len(sample) > 5 {
		sample = sample[:5]
	}
	r.emit("agent_state_snapshot", map[string]any{"count": len(traces), "sample": sample})
	r.emit("oracle_energy", map[string]any{
		"rolls": profile.Rolls, "energy": profile.Energy, "energy_prime": energyPrime,
		"seed": seed, "forced_card": card, "energy_multiplier": applied,
	})

	if err := r.allocate(ctx, energyPrime, strings.TrimSpace(opts.OracleCard)); err != nil {
		return Result{}, fmt.Errorf("allocation: %w", err)
	}

	r.ensureBoards(ctx)
	r.processLore(ctx)
	pre := r.adminRoleActions(ctx)

	if override != nil {
		r.events = append(r.events, override)
	}
	r.events = append(r.events, pre...)
	for _, ev := range r.lore {
		r.emit("lore_event", map[string]any{"key": ev.Key, "kind": ev.Kind, "target_tick": ev.Tick, "meta": ev.Meta})
	}
	r.emit("oracle", map[string]any{"tick": r.tick, "rolls": profile.Rolls, "energy": profile.Energy, "energy_prime": energyPrime})

	r.registrations(ctx)
	r.threadPhase(ctx)
	r.replyPhase(ctx)
	r.dmPhase(ctx)

	if o.queue != nil {
		st, err := o.queue.DrainFor(ctx, forum.TaskDM, 0, 6, 12, r.rng)
		r.gen.Processed += st.Processed
		r.gen.Deferred += st.Deferred
		if err != nil {
			r.fail("dm_drain", err)
		}
	}

	rec, err := r.record(ctx, profile, energyPrime, strings.TrimSpace(opts.OracleCard))
	if err != nil {
		return Result{}, err
	}
	if err := o.control.RecordRun(ctx, r.tick, origin); err != nil {
		r.fail("record_run", err)
	}
	if late := r.progress(ctx); len(late) > 0 {
		if err := o.store.AppendTickEvents(ctx, r.tick, late); err != nil {
			r.fail("progress", err)
		} else {
			rec.Events = append(rec.Events, late...)
		}
	}
	for _, s := range o.sinks {
		if s == nil {
			continue
		}
		if err := s.WriteTick(rec); err != nil {
			o.logger.Printf("tick %d: sink: %v", r.tick, err)
		}
	}

	o.logger.Printf("tick %d (%s) done: energy=%d energy'=%d threads=%d replies=%d dms=%d tasks=%d failures=%d",
		r.tick, origin, profile.Energy, energyPrime, r.alloc.Threads, r.alloc.Replies, r.dmPlanned, r.tasks, len(r.failures))

	return Result{
		RunID:       r.id,
		Tick:        r.tick,
		Origin:      origin,
		Seed:        seed,
		Energy:      profile.Energy,
		EnergyPrime: energyPrime,
		Allocation:  r.alloc,
		Events:      len(rec.Events),
		Threads:     len(r.newThreads),
		Tasks:       r.tasks,
		Failures:    r.failures,
		Generation:  r.gen,
		Specials:    r.alloc.Specials(),
	}, nil
}

func (o *Orchestrator) audit(ctx context.Context, e forum.AuditEntry) {
	if err := o.auditor.Audit(ctx, e); err != nil {
		o.logger.Printf("audit %s: %v", e.Kind, err)
	}
}

// allocate runs the allocator and activity scaling, applies the quiet-forum
// thread floor, then caps LLM-backed actions at the per-tick ceiling.
func (r *run) allocate(ctx context.Context, energyPrime int, card string) error {
	o := r.o
	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	lastOmen, err := o.store.LastSpecialTick(ctx, catalogs.KindOmen)
	if err != nil {
		return err
	}
	lastSeance, err := o.store.LastSpecialTick(ctx, catalogs.KindSeance)
	if err != nil {
		return err
	}
	recent, err := o.store.ListThreads(ctx, forum.ThreadQuery{Limit: 25})
	if err != nil {
		return err
	}
	metrics := allocator.RecentMetrics{Count: len(recent)}
	if len(recent) > 0 {
		heat := 0.0
		for _, t := range recent {
			heat += t.Heat
		}
		metrics.AvgHeat = heat / float64(len(recent))
	}

	alloc, err := o.alloc.Allocate(allocator.Input{
		EnergyPrime:  energyPrime,
		ActiveAgents: len(agents),
		Recent:       metrics,
		Streaks:      allocator.Streaks{Omen: r.tick - lastOmen, Seance: r.tick - lastSeance},
		ForcedCard:   card,
	}, r.rng)
	if err != nil {
		return err
	}

	sessions, err := r.sessions(ctx)
	if err != nil {
		return err
	}
	allocator.ApplyActivityScaling(&alloc, sessions)

	seanceDetails, omenDetails := alloc.SeanceDetails, alloc.OmenDetails
	sentiment, toxicity := 0.0, 0.0
	r.eventContext = map[string]any{"seance": alloc.Seance, "omen": alloc.Omen, "seance_label": nil, "omen_label": nil}
	if seanceDetails != nil {
		sentiment += seanceDetails.SentimentBias
		toxicity += seanceDetails.ToxicityBias
		r.eventContext["seance_label"] = seanceDetails.Label
	}
	if omenDetails != nil {
		sentiment += omenDetails.SentimentBias
		toxicity += omenDetails.ToxicityBias
		r.eventContext["omen_label"] = omenDetails.Label
	}
	r.eventContext["sentiment_bias"] = dice.Round3(sentiment)
	r.eventContext["toxicity_bias"] = dice.Round3(toxicity)

	r.emit("allocation", map[string]any{
		"registrations":     alloc.Registrations,
		"threads":           alloc.Threads,
		"replies":           alloc.Replies,
		"private_messages":  alloc.PrivateMessages,
		"moderation_events": alloc.ModerationEvents,
		"specials":          alloc.Specials(),
		"notes":             append([]string(nil), alloc.Notes...),
	})

	if alloc.Threads <= 0 {
		n, err := o.store.CountThreadsSince(ctx, r.now.Add(-12*time.Hour))
		if err != nil {
			return err
		}
		if n < 4 {
			alloc.Threads = 1
			alloc.Notes = append(alloc.Notes, "quiet forum: seeded one thread")
		}
	}

	limiter := allocator.Limiter{
		MaxTasks:   o.settings.GetInt(ctx, settings.AITasksPerTick, 4),
		Fallback:   4,
		MinDMQuota: 1,
	}
	limiter.Limit(&alloc)
	r.ceiling = limiter.Ceiling()
	r.alloc = alloc
	return nil
}

func (r *run) sessions(ctx context.Context) (allocator.Sessions, error) {
	window := r.o.cfg.Activity.WindowSeconds
	if window <= 0 {
		window = 180
	}
	rows, err := r.o.store.SessionsSince(ctx, r.now.Add(-time.Duration(window)*time.Second))
	if err != nil {
		return allocator.Sessions{}, err
	}
	s := allocator.Sessions{Window: window}
	seen := map[string]bool{}
	for _, row := range rows {
		if seen[row.Key] {
			continue
		}
		seen[row.Key] = true
		s.Total++
		if row.ActingAsOrganic {
			s.Organic++
		}
	}
	s.Tier, s.Factor = allocator.TierFor(r.o.cfg.Activity.Tiers, s.Total)
	return s, nil
}

// fresh reloads an agent so writes never clobber state the queue saved.
func (r *run) fresh(ctx context.Context, id int64) (*forum.Agent, error) {
	a, err := r.o.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	a.State.Normalize()
	return a, nil
}

func (r *run) registerAction(ctx context.Context, id int64, action string, details map[string]any) {
	a, err := r.fresh(ctx, id)
	if err != nil {
		r.fail("register_"+action, err)
		return
	}
	rec, err := r.o.engine.RegisterAction(ctx, a, action, r.tick, details)
	if err != nil {
		r.fail("register_"+action, err)
		return
	}
	r.trace = append(r.trace, map[string]any{
		"phase": "action", "agent": a.Name, "action": rec.Action, "tick": rec.Tick,
		"cooldown": rec.Cooldown, "bias": rec.Bias, "suspicion": rec.Suspicion, "context": rec.Context,
	})
	r.touchPresence(ctx, id, r.o.cfg.Presence.BoostMinutes)
}

// enqueue validates and stores a task. A refused task is logged, not fatal.
func (r *run) enqueue(ctx context.Context, nt forum.NewTask) *forum.GenerationTask {
	if r.o.queue == nil {
		r.fail("enqueue", errors.New("no generation queue"))
		return nil
	}
	if r.llmLeft() <= 0 {
		r.emit("task_skip", map[string]any{"type": string(nt.Type), "reason": "llm_ceiling", "ceiling": r.ceiling})
		return nil
	}
	t, err := r.o.queue.Enqueue(ctx, nt)
	if err != nil {
		r.fail("enqueue_"+string(nt.Type), err)
		return nil
	}
	r.tasks++
	return t
}

// llmLeft is how many more completion-backed tasks this tick may enqueue.
func (r *run) llmLeft() int {
	return max(0, r.ceiling-r.tasks)
}

func (r *run) drain(ctx context.Context, typ forum.TaskType, threadID int64, loops, batch int) {
	if r.o.queue == nil {
		return
	}
	st, err := r.o.queue.DrainFor(ctx, typ, threadID, loops, batch, r.rng)
	r.gen.Processed += st.Processed
	r.gen.Deferred += st.Deferred
	if err != nil {
		r.fail("drain_"+string(typ), err)
	}
}

// pool returns agents that may act: not banned, not organic.
func (r *run) pool(ctx context.Context) []*forum.Agent {
	agents, err := r.o.store.ListAgents(ctx)
	if err != nil {
		r.fail("list_agents", err)
		return nil
	}
	out := make([]*forum.Agent, 0, len(agents))
	for _, a := range agents {
		if a.IsBanned() || a.IsOrganic() || strings.EqualFold(a.Name, forum.OrganicHandle) {
			continue
		}
		out = append(out, a)
	}
	return out
}
