package tick

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/settings"
	"ghostship.forum/internal/sim/catalogs"
	"ghostship.forum/internal/sim/dice"
)

const (
	coreBoardName = "News + Meta"
	coreBoardDesc = "Ship announcements, forum meta, and anything that has nowhere better to go."
)

// ensureBoards makes sure the core board exists and loads the board list.
func (r *run) ensureBoards(ctx context.Context) {
	boards, err := r.o.store.ListBoards(ctx)
	if err != nil {
		r.fail("boards", err)
		return
	}
	if len(boards) == 0 {
		b := &forum.Board{Name: coreBoardName, Slug: forum.CoreBoardSlug, Description: coreBoardDesc, CreatedAt: r.now}
		if err := r.o.store.CreateBoard(ctx, b); err != nil {
			r.fail("boards", err)
			return
		}
		boards = []*forum.Board{b}
	}
	r.boards = boards
}

func (r *run) boardBySlug(slug string) *forum.Board {
	for _, b := range r.boards {
		if strings.EqualFold(b.Slug, slug) {
			return b
		}
	}
	return nil
}

func (r *run) boardByID(id int64) *forum.Board {
	for _, b := range r.boards {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func metaInt(meta map[string]any, key string) int64 {
	switch v := meta[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return strings.TrimSpace(s)
}

func metaBool(meta map[string]any, key string) bool {
	b, _ := meta[key].(bool)
	return b
}

// processLore consumes every due lore event exactly once and applies the
// kinds that change forum state.
func (r *run) processLore(ctx context.Context) {
	events, err := r.o.store.ConsumeLore(ctx, r.tick, r.now)
	if err != nil {
		r.fail("lore", err)
		return
	}
	for _, ev := range events {
		if err := r.applyLore(ctx, ev); err != nil {
			r.fail("lore_"+ev.Kind, err)
		}
	}
	r.lore = events
}

func (r *run) applyLore(ctx context.Context, ev *forum.LoreEvent) error {
	switch ev.Kind {
	case "role_change":
		id := metaInt(ev.Meta, "user")
		if id == 0 {
			return nil
		}
		a, err := r.fresh(ctx, id)
		if errors.Is(err, forum.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case metaBool(ev.Meta, "remove_mod"):
			a.Role = forum.RoleMember
		case metaBool(ev.Meta, "mod"), metaBool(ev.Meta, "mod_temp"):
			a.Role = forum.RoleModerator
		default:
			return nil
		}
		a.UpdatedAt = r.now
		return r.o.store.SaveAgent(ctx, a)
	case "board_request":
		name := metaString(ev.Meta, "name")
		slug := forum.Slugify(metaString(ev.Meta, "slug"))
		if slug == "" {
			slug = forum.Slugify(name)
		}
		if slug == "" {
			return nil
		}
		if name == "" {
			name = titleFromSlug(slug)
		}
		_, err := r.spawnBoard(ctx, slug, name, "Opened on request.")
		return err
	}
	return nil
}

// spawnBoard returns the board with slug, creating it when missing.
func (r *run) spawnBoard(ctx context.Context, slug, name, desc string) (*forum.Board, error) {
	if b := r.boardBySlug(slug); b != nil {
		return b, nil
	}
	b, err := r.o.store.BoardBySlug(ctx, slug)
	if err == nil {
		r.boards = append(r.boards, b)
		return b, nil
	}
	if !errors.Is(err, forum.ErrNotFound) {
		return nil, err
	}
	b = &forum.Board{Name: name, Slug: slug, Description: desc, Position: len(r.boards), CreatedAt: r.now}
	if err := r.o.store.CreateBoard(ctx, b); err != nil {
		return nil, err
	}
	r.boards = append(r.boards, b)
	return b, nil
}

func titleFromSlug(slug string) string {
	parts := strings.Fields(strings.NewReplacer("-", " ", "_", " ").Replace(slug))
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	if len(parts) == 0 {
		return "Board"
	}
	return strings.Join(parts, " ")
}

var (
	promoteMoods = map[string]bool{"wired": true, "urgent": true, "motivated": true, "feral": true, "bright": true, "radiant": true}
	demoteMoods  = map[string]bool{"frustrated": true, "tired": true, "burnt": true, "volatile": true, "exhausted": true, "strained": true}
)

func (r *run) adminAgent(ctx context.Context) *forum.Agent {
	agents, err := r.o.store.ListAgents(ctx)
	if err != nil {
		r.fail("admin_lookup", err)
		return nil
	}
	var byName *forum.Agent
	for _, a := range agents {
		if a.IsAdmin() {
			return a
		}
		if byName == nil && strings.EqualFold(a.Name, forum.AdminHandle) {
			byName = a
		}
	}
	return byName
}

// adminRoleActions lets the admin's mood deputise a member or demote a
// moderator. Each change is returned as a role_change event.
func (r *run) adminRoleActions(ctx context.Context) []forum.Event {
	admin := r.adminAgent(ctx)
	if admin == nil {
		return nil
	}
	mood := strings.ToLower(admin.State.Mood)
	if mood == "" {
		mood = "steady"
	}
	promoteChance, demoteChance := 0.32, 0.12
	if promoteMoods[mood] {
		promoteChance = 0.52
	}
	if demoteMoods[mood] {
		demoteChance = 0.32
	}
	agents, err := r.o.store.ListAgents(ctx)
	if err != nil {
		r.fail("admin_roles", err)
		return nil
	}
	var members, mods []*forum.Agent
	for _, a := range agents {
		if strings.EqualFold(a.Name, forum.OrganicHandle) || strings.EqualFold(a.Name, forum.AdminHandle) {
			continue
		}
		switch a.Role {
		case forum.RoleMember:
			members = append(members, a)
		case forum.RoleModerator:
			mods = append(mods, a)
		}
	}

	var out []forum.Event
	if dice.Chance(r.rng, promoteChance) && len(members) > 0 {
		cand := dice.Pick(r.rng, members)
		var board *forum.Board
		var visible []*forum.Board
		for _, b := range r.boards {
			if !b.IsHidden {
				visible = append(visible, b)
			}
		}
		if len(visible) > 0 {
			board = dice.Pick(r.rng, visible)
		}
		if err := r.setRole(ctx, cand.ID, forum.RoleModerator); err != nil {
			r.fail("admin_promote", err)
		} else {
			ev := forum.NewEvent("role_change", map[string]any{
				"agent": cand.Name, "from": forum.RoleMember, "to": forum.RoleModerator, "board": nil, "mood": mood,
				"reason": "Mood spike: deputising more hands",
			})
			if board != nil {
				ev["board"] = board.Slug
				if err := r.o.store.AddModerator(ctx, board.ID, cand.ID); err != nil {
					r.fail("admin_promote", err)
				}
			}
			out = append(out, ev)
		}
	}
	if dice.Chance(r.rng, demoteChance) && len(mods) > 0 {
		cand := dice.Pick(r.rng, mods)
		if err := r.setRole(ctx, cand.ID, forum.RoleMember); err != nil {
			r.fail("admin_demote", err)
		} else {
			out = append(out, forum.NewEvent("role_change", map[string]any{
				"agent": cand.Name, "from": forum.RoleModerator, "to": forum.RoleMember, "mood": mood,
				"reason": "Mood crash: pulling back duties",
			}))
		}
	}
	return out
}

func (r *run) setRole(ctx context.Context, id int64, role forum.Role) error {
	a, err := r.fresh(ctx, id)
	if err != nil {
		return err
	}
	a.Role = role
	a.UpdatedAt = r.now
	return r.o.store.SaveAgent(ctx, a)
}

// registrations creates new agents up to the profile cap. Each newcomer is
// announced and scheduled for a user_join welcome on the next tick.
func (r *run) registrations(ctx context.Context) {
	want := r.alloc.Registrations
	if want <= 0 {
		return
	}
	agents, err := r.o.store.ListAgents(ctx)
	if err != nil {
		r.fail("registrations", err)
		return
	}
	if limit := r.o.settings.GetInt(ctx, settings.ProfileCap, 60); limit > 0 {
		want = min(want, max(limit-len(agents), 0))
	}
	taken := make(map[string]bool, len(agents))
	for _, a := range agents {
		taken[strings.ToLower(a.Name)] = true
	}
	for i := 0; i < want; i++ {
		a := craftAgent(r.o.cat, r.rng, taken)
		a.RegisteredAt = r.now
		a.UpdatedAt = r.now
		if err := r.o.store.CreateAgent(ctx, a); err != nil {
			r.fail("registration", err)
			continue
		}
		taken[strings.ToLower(a.Name)] = true
		r.newAgents = append(r.newAgents, a)
		r.touchPresence(ctx, a.ID, 20)
		r.emit("registration", map[string]any{"agent": a.Name, "archetype": a.Archetype})
		join := &forum.LoreEvent{
			Key:  fmt.Sprintf("user_join:%d", a.ID),
			Kind: forum.LoreUserJoin,
			Tick: r.tick + 1,
			Meta: map[string]any{"id": a.ID, "name": a.Name},
		}
		if err := r.o.store.ScheduleLore(ctx, join); err != nil {
			r.fail("registration_lore", err)
		}
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func noise(base float64, rng *rand.Rand, spread float64) float64 {
	return dice.Round3(dice.Clamp(base+(rng.Float64()*2-1)*spread, 0, 1))
}

func jitterInt(v int, spread float64, floor int, u func(lo, hi float64) float64) int {
	delta := math.Max(1, float64(v)*spread)
	return max(floor, int(math.Round(float64(v)+u(-delta, delta))))
}

// craftAgent rolls a newcomer from the archetype catalog with a handle not
// present in taken.
func craftAgent(cat *catalogs.Catalogs, rng *rand.Rand, taken map[string]bool) *forum.Agent {
	arch := dice.Pick(rng, cat.Archetypes)
	name := handleFor(cat, arch, rng, taken)
	u := func(lo, hi float64) float64 { return dice.Uniform(rng, lo, hi) }

	needs := make(map[string]float64, len(arch.Needs))
	for _, k := range sortedKeys(arch.Needs) {
		needs[k] = noise(arch.Needs[k], rng, 0.15)
	}
	traits := make(map[string]float64, len(arch.Traits))
	for _, k := range sortedKeys(arch.Traits) {
		traits[k] = noise(arch.Traits[k], rng, 0.1)
	}
	mood := "neutral"
	if len(arch.Moods) > 0 {
		mood = dice.Pick(rng, arch.Moods)
	}

	sp := arch.Speech
	minW := jitterInt(max(sp.MinWords, 6), 0.18, 6, u)
	maxW := jitterInt(max(sp.MaxWords, minW+2), 0.18, minW+2, u)
	mean := sp.MeanWords
	if mean <= 0 {
		mean = (minW + maxW) / 2
	}
	mean = min(maxW, max(minW, jitterInt(mean, 0.12, minW, u)))

	a := &forum.Agent{
		Name:      name,
		Archetype: arch.Label,
		Role:      forum.RoleMember,
		Traits:    traits,
		Speech: forum.SpeechProfile{
			MinWords:      minW,
			MaxWords:      maxW,
			MeanWords:     mean,
			SentenceRange: sp.SentenceRange,
			BurstChance:   sp.BurstChance,
			BurstRange:    sp.BurstRange,
		},
		OnlineStatus: forum.StatusOffline,
	}
	a.State = forum.AgentState{
		Needs:      needs,
		Mood:       mood,
		Suspicion:  dice.Round3(dice.Clamp(0.1+u(-0.05, 0.05), 0, 1)),
		Reputation: forum.Reputation{Global: dice.Round3(dice.Clamp(0.3+u(-0.08, 0.08), -1, 1))},
		Cooldowns:  map[string]int{"thread": 0, "reply": 0, "dm": 0, "report": 0},
	}
	a.State.Normalize()
	return a
}

func handleFor(cat *catalogs.Catalogs, arch catalogs.Archetype, rng *rand.Rand, taken map[string]bool) string {
	for attempt := 0; attempt < 8; attempt++ {
		var name string
		if len(arch.Prefixes) > 0 && len(arch.Suffixes) > 0 && (len(cat.Handles) == 0 || dice.Chance(rng, 0.6)) {
			name = dice.Pick(rng, arch.Prefixes) + dice.Pick(rng, arch.Suffixes)
		} else if len(cat.Handles) > 0 {
			name = dice.Pick(rng, cat.Handles)
		} else {
			name = "ghost"
		}
		if attempt >= 4 {
			name = fmt.Sprintf("%s%d", name, dice.IntBetween(rng, 10, 99))
		}
		if !taken[strings.ToLower(name)] {
			return name
		}
	}
	return fmt.Sprintf("ghost%d", dice.IntBetween(rng, 1000, 9999))
}
