package tick

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/sim/dice"
)

// SeedReport lists what SeedForum created. Existing rows are left alone.
type SeedReport struct {
	Boards []string `json:"boards"`
	Agents []string `json:"agents"`
}

// SeedForum creates the core boards, the admin, the organic account and up
// to ghosts crafted agents. It is safe to run repeatedly.
func (o *Orchestrator) SeedForum(ctx context.Context, ghosts int, seed int64) (SeedReport, error) {
	var rep SeedReport
	now := o.now()
	slugs := append([]string{forum.CoreBoardSlug}, o.cat.ReservedSlugs...)
	for i, slug := range slugs {
		_, err := o.store.BoardBySlug(ctx, slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, forum.ErrNotFound) {
			return rep, fmt.Errorf("board %s: %w", slug, err)
		}
		name, desc := titleFromSlug(slug), fmt.Sprintf("Threads about %s.", strings.ReplaceAll(slug, "-", " "))
		if slug == forum.CoreBoardSlug {
			name, desc = coreBoardName, coreBoardDesc
		}
		b := &forum.Board{Name: name, Slug: slug, Description: desc, Position: i, CreatedAt: now}
		if err := o.store.CreateBoard(ctx, b); err != nil {
			return rep, fmt.Errorf("board %s: %w", slug, err)
		}
		rep.Boards = append(rep.Boards, slug)
	}

	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return rep, err
	}
	taken := make(map[string]bool, len(agents))
	for _, a := range agents {
		taken[strings.ToLower(a.Name)] = true
	}
	fixed := []*forum.Agent{
		{Name: forum.AdminHandle, Archetype: "Admin", Role: forum.RoleAdmin},
		{Name: forum.OrganicHandle, Archetype: "Organic", Role: forum.RoleOrganic},
	}
	for _, a := range fixed {
		if taken[strings.ToLower(a.Name)] {
			continue
		}
		a.RegisteredAt, a.UpdatedAt = now, now
		a.OnlineStatus = forum.StatusOffline
		a.State.Normalize()
		if err := o.store.CreateAgent(ctx, a); err != nil {
			return rep, fmt.Errorf("agent %s: %w", a.Name, err)
		}
		taken[strings.ToLower(a.Name)] = true
		rep.Agents = append(rep.Agents, a.Name)
	}

	rng := dice.New(seed)
	for i := 0; i < ghosts; i++ {
		a := craftAgent(o.cat, rng, taken)
		a.RegisteredAt, a.UpdatedAt = now, now
		if err := o.store.CreateAgent(ctx, a); err != nil {
			return rep, fmt.Errorf("agent %s: %w", a.Name, err)
		}
		taken[strings.ToLower(a.Name)] = true
		rep.Agents = append(rep.Agents, a.Name)
	}
	o.logger.Printf("seed: %d boards, %d agents", len(rep.Boards), len(rep.Agents))
	return rep, nil
}
