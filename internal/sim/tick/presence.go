package tick

import (
	"context"
	"time"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/sim/dice"
)

// decayPresence expires stale online statuses, then lets each remaining
// online agent slip offline with the configured chance.
func (r *run) decayPresence(ctx context.Context) {
	agents, err := r.o.store.ListAgents(ctx)
	if err != nil {
		r.fail("presence_decay", err)
		return
	}
	chance := r.o.cfg.Presence.OfflineChance
	for _, a := range agents {
		if !a.IsOnline() {
			continue
		}
		expired := a.StatusExpiresAt != nil && !a.StatusExpiresAt.After(r.now)
		if !expired && !dice.Chance(r.rng, chance) {
			continue
		}
		a.MarkOffline()
		a.UpdatedAt = r.now
		if err := r.o.store.SaveAgent(ctx, a); err != nil {
			r.fail("presence_decay", err)
		}
	}
}

// refreshPresence brings a sample of eligible agents online for a short
// random window.
func (r *run) refreshPresence(ctx context.Context) {
	pool := r.pool(ctx)
	if len(pool) == 0 {
		return
	}
	p := r.o.cfg.Presence
	lo, hi := max(p.RefreshMinMinutes, 1), max(p.RefreshMaxMinutes, p.RefreshMinMinutes, 1)
	for _, a := range dice.Sample(r.rng, pool, max(1, len(pool)/6)) {
		if !dice.Chance(r.rng, p.RefreshChance) {
			continue
		}
		until := r.now.Add(time.Duration(dice.IntBetween(r.rng, lo, hi)) * time.Minute)
		seen := r.now
		a.OnlineStatus = forum.StatusOnline
		a.StatusExpiresAt = &until
		a.LastSeenAt = &seen
		a.UpdatedAt = r.now
		if err := r.o.store.SaveAgent(ctx, a); err != nil {
			r.fail("presence_refresh", err)
		}
	}
}

// touchPresence keeps an acting agent online for at least minutes more.
func (r *run) touchPresence(ctx context.Context, id int64, minutes int) {
	if minutes <= 0 {
		minutes = 12
	}
	a, err := r.fresh(ctx, id)
	if err != nil {
		r.fail("presence_touch", err)
		return
	}
	a.MarkOnline(r.now, time.Duration(minutes)*time.Minute)
	a.UpdatedAt = r.now
	if err := r.o.store.SaveAgent(ctx, a); err != nil {
		r.fail("presence_touch", err)
	}
}
