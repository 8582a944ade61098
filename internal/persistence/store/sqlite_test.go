package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ghostship.forum/internal/forum"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "forum.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAgentRoundTripKeepsState(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	a := &forum.Agent{Name: "Gloam", Archetype: "watcher", Role: forum.RoleModerator}
	a.State.Needs = map[string]float64{"attention": 0.4}
	a.State.Memory.Remember(forum.MemoryEntry{Tick: 3, Summary: "logged the leak"}, 9, 4, 12)
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if a.ID == 0 {
		t.Fatalf("id not assigned")
	}

	got, err := s.AgentByName(ctx, "gloam")
	if err != nil {
		t.Fatalf("AgentByName: %v", err)
	}
	if got.Role != forum.RoleModerator || got.State.Needs["attention"] != 0.4 {
		t.Fatalf("unexpected agent: %+v", got)
	}
	if len(got.State.Memory.Peers[9]) != 1 || got.State.Memory.Threads[4][0].Summary != "logged the leak" {
		t.Fatalf("memory not preserved: %+v", got.State.Memory)
	}

	got.State.Suspicion = 0.25
	now := time.Now()
	got.MarkOnline(now, 10*time.Minute)
	if err := s.SaveAgent(ctx, got); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	again, err := s.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if again.State.Suspicion != 0.25 || !again.IsOnline() || again.StatusExpiresAt == nil {
		t.Fatalf("save not applied: %+v", again)
	}

	if _, err := s.GetAgent(ctx, 999); !errors.Is(err, forum.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDueTasksHonoursSchedule(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Now().UTC()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	tasks := []*forum.GenerationTask{
		{UID: "a", Type: forum.TaskReply, Status: forum.StatusPending, AgentID: 1, ThreadID: 7},
		{UID: "b", Type: forum.TaskReply, Status: forum.StatusDeferred, AgentID: 1, ThreadID: 7, ScheduledFor: &later},
		{UID: "c", Type: forum.TaskDM, Status: forum.StatusDeferred, AgentID: 1, RecipientID: 2, ScheduledFor: &earlier},
		{UID: "d", Type: forum.TaskReply, Status: forum.StatusCompleted, AgentID: 1, ThreadID: 7},
	}
	for i, task := range tasks {
		task.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		task.Payload = map[string]any{"slot": i}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	due, err := s.DueTasks(ctx, forum.TaskFilter{}, now)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 2 || due[0].UID != "a" || due[1].UID != "c" {
		t.Fatalf("unexpected due set: %+v", due)
	}
	if due[1].PayloadInt("slot", -1) != 2 {
		t.Fatalf("payload lost: %+v", due[1].Payload)
	}

	only, err := s.DueTasks(ctx, forum.TaskFilter{Type: forum.TaskReply, ThreadID: 7}, now)
	if err != nil || len(only) != 1 || only[0].UID != "a" {
		t.Fatalf("filtered due: %+v %v", only, err)
	}
	n, err := s.CountPending(ctx, forum.TaskFilter{Type: forum.TaskReply})
	if err != nil || n != 1 {
		t.Fatalf("CountPending=%d %v", n, err)
	}
}

func TestTickUpsertIsIdempotent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	rec := &forum.TickRecord{Tick: 4, Energy: 7, EnergyPrime: 8, Rolls: []int{6, 1},
		Events: []forum.Event{forum.NewEvent("oracle", map[string]any{"energy": 7})}}
	if err := s.UpsertTick(ctx, rec); err != nil {
		t.Fatalf("UpsertTick: %v", err)
	}
	rec.Energy = 9
	if err := s.UpsertTick(ctx, rec); err != nil {
		t.Fatalf("UpsertTick again: %v", err)
	}
	if err := s.AppendTickEvents(ctx, 4, []forum.Event{forum.NewEvent("progress", nil)}); err != nil {
		t.Fatalf("AppendTickEvents: %v", err)
	}
	got, err := s.GetTick(ctx, 4)
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if got.Energy != 9 || len(got.Events) != 2 || got.Events[1].Type() != "progress" {
		t.Fatalf("unexpected record: %+v", got)
	}
	last, _ := s.LastTick(ctx)
	if last != 4 {
		t.Fatalf("LastTick=%d", last)
	}

	for _, d := range []*forum.OracleDraw{{Tick: 2, Omen: true}, {Tick: 3, Seance: true}, {Tick: 4}} {
		if err := s.UpsertOracleDraw(ctx, d); err != nil {
			t.Fatalf("UpsertOracleDraw: %v", err)
		}
	}
	if n, _ := s.LastSpecialTick(ctx, "omen"); n != 2 {
		t.Fatalf("last omen=%d", n)
	}
	if n, _ := s.LastSpecialTick(ctx, "seance"); n != 3 {
		t.Fatalf("last seance=%d", n)
	}
}

func TestConsumeLoreOnce(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for _, e := range []*forum.LoreEvent{
		{Key: "join:b", Kind: forum.LoreUserJoin, Tick: 2, Meta: map[string]any{"agent_id": 5}},
		{Key: "join:a", Kind: forum.LoreUserJoin, Tick: 2},
		{Key: "later", Kind: "omen_hint", Tick: 9},
	} {
		if err := s.ScheduleLore(ctx, e); err != nil {
			t.Fatalf("ScheduleLore: %v", err)
		}
	}
	got, err := s.ConsumeLore(ctx, 3, time.Now())
	if err != nil {
		t.Fatalf("ConsumeLore: %v", err)
	}
	if len(got) != 2 || got[0].Key != "join:a" || got[1].Key != "join:b" {
		t.Fatalf("unexpected lore: %+v", got)
	}
	again, _ := s.ConsumeLore(ctx, 3, time.Now())
	if len(again) != 0 {
		t.Fatalf("lore handed out twice: %+v", again)
	}
	joins, _ := s.ProcessedLore(ctx, forum.LoreUserJoin, 3)
	if len(joins) != 2 {
		t.Fatalf("ProcessedLore=%d", len(joins))
	}
}

func TestThreadsAndPosts(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	b := &forum.Board{Name: "News + Meta", Slug: "news-meta", Position: 10}
	if err := s.CreateBoard(ctx, b); err != nil {
		t.Fatalf("CreateBoard: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	hot := &forum.Thread{Title: "hot", BoardID: b.ID, HotScore: 5, CreatedAt: base}
	pinned := &forum.Thread{Title: "pinned", BoardID: b.ID, Pinned: true, CreatedAt: base}
	locked := &forum.Thread{Title: "locked", BoardID: b.ID, Locked: true, HotScore: 9, CreatedAt: base}
	for _, th := range []*forum.Thread{hot, pinned, locked} {
		if err := s.CreateThread(ctx, th); err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
	}
	list, err := s.ListThreads(ctx, forum.ThreadQuery{Unlocked: true, Visible: true, ByHeat: true})
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(list) != 2 || list[0].Title != "pinned" || list[1].Title != "hot" {
		t.Fatalf("unexpected order: %v", titles(list))
	}

	ph := &forum.Post{ThreadID: hot.ID, AuthorID: 3, Content: "...", IsPlaceholder: true, CreatedAt: base}
	if err := s.CreatePost(ctx, ph); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	found, err := s.PlaceholderFor(ctx, hot.ID, 3)
	if err != nil || found.ID != ph.ID {
		t.Fatalf("PlaceholderFor: %+v %v", found, err)
	}
	found.Content = "real text"
	found.IsPlaceholder = false
	if err := s.SavePost(ctx, found); err != nil {
		t.Fatalf("SavePost: %v", err)
	}
	last, err := s.LastPostInBoard(ctx, b.ID)
	if err != nil || last.Content != "real text" {
		t.Fatalf("LastPostInBoard: %+v %v", last, err)
	}
	if _, err := s.PlaceholderFor(ctx, hot.ID, 3); !errors.Is(err, forum.ErrNotFound) {
		t.Fatalf("placeholder should be gone, got %v", err)
	}
}

func TestUsageAndSettings(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.IncrementUsage(ctx, "2025-01-01", 1); err != nil {
			t.Fatalf("IncrementUsage: %v", err)
		}
	}
	if n, _ := s.UsageOn(ctx, "2025-01-01"); n != 3 {
		t.Fatalf("usage=%d", n)
	}
	if n, _ := s.UsageOn(ctx, "2025-01-02"); n != 0 {
		t.Fatalf("missing day should be 0, got %d", n)
	}
	if _, ok, _ := s.GetSetting(ctx, "AI_TASKS_PER_TICK"); ok {
		t.Fatalf("unexpected setting")
	}
	if err := s.SetSetting(ctx, "AI_TASKS_PER_TICK", "6"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if v, ok, _ := s.GetSetting(ctx, "AI_TASKS_PER_TICK"); !ok || v != "6" {
		t.Fatalf("setting=%q ok=%v", v, ok)
	}
	if err := s.Audit(ctx, forum.AuditEntry{Kind: "automation_blocked", AgentID: 1}); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if n, _ := s.AuditCount(ctx, "automation_blocked"); n != 1 {
		t.Fatalf("audit count=%d", n)
	}
}

func titles(list []*forum.Thread) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Title
	}
	return out
}
