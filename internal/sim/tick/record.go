package tick

import (
	"context"
	"errors"
	"fmt"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/sim/oracle"
)

// progressWindow is how many consecutive ticks a progress summary covers.
const progressWindow = 5

func (r *run) allocationMap() map[string]any {
	a := r.alloc
	dms := a.PrivateMessages
	if r.dmPlanned > 0 {
		dms = r.dmPlanned
	}
	return map[string]any{
		"registrations":     a.Registrations,
		"threads":           a.Threads,
		"replies":           a.Replies,
		"private_messages":  dms,
		"moderation_events": a.ModerationEvents,
	}
}

func (r *run) specialsMap() map[string]any {
	out := map[string]any{"omen": r.alloc.Omen, "seance": r.alloc.Seance}
	if d := r.alloc.OmenDetails; d != nil {
		out["omen_details"] = map[string]any{"slug": d.Slug, "label": d.Label, "category": d.Category}
	}
	if d := r.alloc.SeanceDetails; d != nil {
		out["seance_details"] = map[string]any{"slug": d.Slug, "label": d.Label, "mood": d.Mood}
	}
	return out
}

// card names the oracle card for the draw: an operator-forced card wins,
// then the omen, then the seance.
func (r *run) card(forced string) string {
	switch {
	case forced != "":
		return forced
	case r.alloc.OmenDetails != nil:
		return r.alloc.OmenDetails.Slug
	case r.alloc.SeanceDetails != nil:
		return r.alloc.SeanceDetails.Slug
	}
	return ""
}

// record writes the oracle draw and the tick record. Either failing leaves
// the tick unrecorded, so both are fatal for the run.
func (r *run) record(ctx context.Context, profile oracle.Profile, energyPrime int, forced string) (*forum.TickRecord, error) {
	alloc := r.allocationMap()
	specials := r.specialsMap()
	r.trace = append(r.trace, map[string]any{
		"phase": "allocation", "allocation": alloc, "specials": specials, "notes": append([]string(nil), r.alloc.Notes...),
	})

	draw := &forum.OracleDraw{
		Tick:        r.tick,
		Rolls:       profile.Rolls,
		Card:        r.card(forced),
		Energy:      profile.Energy,
		EnergyPrime: energyPrime,
		Omen:        r.alloc.Omen,
		Seance:      r.alloc.Seance,
		Alloc:       alloc,
		Seed:        r.seed,
		CreatedAt:   r.now,
	}
	if err := r.o.store.UpsertOracleDraw(ctx, draw); err != nil {
		return nil, fmt.Errorf("oracle draw: %w", err)
	}

	snap := r.o.cfg.Snapshot(r.o.cfgPath)
	rec := &forum.TickRecord{
		Tick:        r.tick,
		Timestamp:   r.now,
		Events:      r.events,
		Rolls:       profile.Rolls,
		Energy:      profile.Energy,
		EnergyPrime: energyPrime,
		Allocation:  alloc,
		Specials:    specials,
		DecisionTrace: map[string]any{
			"run_id":   r.id,
			"origin":   r.origin,
			"phases":   r.trace,
			"failures": r.failures,
			"generation": map[string]any{
				"processed": r.gen.Processed,
				"deferred":  r.gen.Deferred,
				"enqueued":  r.tasks,
			},
		},
		Seed: r.seed,
		ConfigSnapshot: map[string]any{
			"path":        snap.Path,
			"version":     snap.Version,
			"fingerprint": snap.Fingerprint,
			"scheduler":   snap.Scheduler,
			"cooldowns":   snap.Cooldowns,
		},
	}
	if err := r.o.store.UpsertTick(ctx, rec); err != nil {
		return nil, fmt.Errorf("tick record: %w", err)
	}
	return rec, nil
}

// progress summarises the last five tick records once a full window exists.
// The result is appended to the current record after it was written.
func (r *run) progress(ctx context.Context) []forum.Event {
	if r.tick < progressWindow || r.tick%progressWindow != 0 {
		return nil
	}
	var posts, threads, dms, omens, seances int
	for t := r.tick - progressWindow + 1; t <= r.tick; t++ {
		rec, err := r.o.store.GetTick(ctx, t)
		if errors.Is(err, forum.ErrNotFound) {
			return nil
		}
		if err != nil {
			r.fail("progress", err)
			return nil
		}
		threads += rec.CountEvents("thread")
		posts += rec.CountEvents("thread") + rec.CountEvents("reply_task")
		dms += rec.CountEvents("private_message_task")
		if b, _ := rec.Specials["omen"].(bool); b {
			omens++
		}
		if b, _ := rec.Specials["seance"].(bool); b {
			seances++
		}
	}
	return []forum.Event{forum.NewEvent("progress", map[string]any{
		"from_tick": r.tick - progressWindow + 1,
		"to_tick":   r.tick,
		"threads":   threads,
		"posts":     posts,
		"dms":       dms,
		"omens":     omens,
		"seances":   seances,
	})}
}
