// Package scheduler drives ticks in the background: one tick at a time,
// paused while tick control is frozen, followed by a burst drain of the
// generation queue.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"ghostship.forum/internal/generation"
	"ghostship.forum/internal/sim/tick"
	"ghostship.forum/internal/sim/tuning"
	"ghostship.forum/internal/tickcontrol"
)

const (
	minInterval  = 5 * time.Second
	minSleep     = 2 * time.Second
	maxFrozeWait = 30 * time.Second
)

type Runner interface {
	Run(ctx context.Context, opts tick.Options) (tick.Result, error)
}

type Drainer interface {
	Drain(ctx context.Context, f generation.Filter) (generation.Stats, error)
}

type Config struct {
	Interval     time.Duration
	Jitter       time.Duration
	StartupDelay time.Duration
	QueueBurst   int
}

func ConfigFrom(s tuning.Scheduler) Config {
	sec := func(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }
	return Config{
		Interval:     sec(s.IntervalSeconds),
		Jitter:       sec(s.JitterSeconds),
		StartupDelay: sec(s.StartupDelaySeconds),
		QueueBurst:   s.QueueBurst,
	}
}

// AutoTicksEnabled interprets the FORUM_AUTO_TICKS switch; anything but
// 0/off/false/no enables the scheduler.
func AutoTicksEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "off", "false", "no":
		return false
	}
	return true
}

type Scheduler struct {
	cfg     Config
	control *tickcontrol.Control
	runner  Runner
	queue   Drainer
	logger  *log.Logger

	rng   *rand.Rand
	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config, control *tickcontrol.Control, runner Runner, queue Drainer, logger *log.Logger) *Scheduler {
	cfg.Interval = max(cfg.Interval, minInterval)
	cfg.Jitter = max(cfg.Jitter, 0)
	cfg.StartupDelay = max(cfg.StartupDelay, 0)
	cfg.QueueBurst = max(cfg.QueueBurst, 0)
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		control: control,
		runner:  runner,
		queue:   queue,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		after:   time.After,
		stop:    make(chan struct{}),
	}
}

func (s *Scheduler) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

// wait reports false when the scheduler should exit.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	case <-s.after(d):
		return true
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("scheduler: starting (interval=%s jitter=%s startup_delay=%s queue_burst=%d)",
		s.cfg.Interval, s.cfg.Jitter, s.cfg.StartupDelay, s.cfg.QueueBurst)
	if s.cfg.StartupDelay > 0 && !s.wait(ctx, s.cfg.StartupDelay) {
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		default:
		}
		frozen, err := s.control.IsFrozen(ctx)
		if err != nil {
			s.logger.Printf("scheduler: freeze state: %v", err)
		}
		if frozen {
			s.logger.Printf("scheduler: paused (%s)", s.control.Label(ctx))
			if !s.wait(ctx, min(s.cfg.Interval, maxFrozeWait)) {
				return ctx.Err()
			}
			continue
		}
		start := s.now()
		s.Cycle(ctx)
		if !s.wait(ctx, s.NextDelay(s.now().Sub(start))) {
			return ctx.Err()
		}
	}
}

// Cycle runs one tick, consuming any queued manual override, then drains
// the queue by the configured burst.
func (s *Scheduler) Cycle(ctx context.Context) {
	opts := tick.Options{Origin: "scheduler"}
	o, ok, err := s.control.ConsumeOverride(ctx)
	if err != nil {
		s.logger.Printf("scheduler: manual override: %v", err)
	}
	if ok {
		opts = tick.Options{
			Seed:             o.Seed,
			Force:            o.Force,
			Origin:           o.Origin,
			Note:             o.Note,
			OracleCard:       o.OracleCard,
			EnergyMultiplier: o.EnergyMultiplier,
		}
		s.logger.Printf("scheduler: applying manual override queued at %s", o.QueuedAt.Format(time.RFC3339))
	}
	res, err := s.runner.Run(ctx, opts)
	switch {
	case err != nil:
		s.logger.Printf("scheduler: tick failed: %v", err)
	case res.Skipped:
		s.logger.Printf("scheduler: tick skipped (frozen)")
	default:
		s.logger.Printf("scheduler: tick %d ran (energy=%d energy_prime=%d)", res.Tick, res.Energy, res.EnergyPrime)
	}
	if s.cfg.QueueBurst > 0 && s.queue != nil {
		st, err := s.queue.Drain(ctx, generation.Filter{Limit: s.cfg.QueueBurst})
		if err != nil {
			s.logger.Printf("scheduler: generation queue: %v", err)
		} else if st.Processed+st.Deferred > 0 {
			s.logger.Printf("scheduler: queue burst processed=%d deferred=%d", st.Processed, st.Deferred)
		}
	}
}

// NextDelay is interval ± jitter (floored at 5s) minus the elapsed cycle
// time, floored at 2s.
func (s *Scheduler) NextDelay(elapsed time.Duration) time.Duration {
	raw := s.cfg.Interval
	if s.cfg.Jitter > 0 {
		raw += time.Duration((s.rng.Float64()*2 - 1) * float64(s.cfg.Jitter))
	}
	raw = max(raw, minInterval)
	return max(minSleep, raw-elapsed)
}
