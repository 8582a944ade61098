package tick

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"
	"testing"
	"time"

	"ghostship.forum/internal/completion"
	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/forum/forumtest"
	"ghostship.forum/internal/generation"
	"ghostship.forum/internal/settings"
	"ghostship.forum/internal/sim/tuning"
	"ghostship.forum/internal/tickcontrol"
)

// scriptedGen hands out scripted texts first, then unique filler.
type scriptedGen struct {
	script []string
	calls  int
}

func (g *scriptedGen) Generate(_ context.Context, _ completion.Request) completion.Result {
	g.calls++
	if len(g.script) > 0 {
		s := g.script[0]
		g.script = g.script[1:]
		return completion.Result{Success: true, Text: s}
	}
	n := g.calls
	return completion.Result{Success: true, Text: fmt.Sprintf("lantern%d harbor%d ledger%d static%d window%d", n, n, n, n, n)}
}

func (g *scriptedGen) Remaining(context.Context) int { return 1000 }

type recordSink struct{ ticks []int }

func (s *recordSink) WriteTick(rec *forum.TickRecord) error {
	s.ticks = append(s.ticks, rec.Tick)
	return nil
}

type harness struct {
	ctx     context.Context
	mem     *forumtest.Memory
	gen     *scriptedGen
	control *tickcontrol.Control
	sink    *recordSink
	orch    *Orchestrator
	now     time.Time
	organic *forum.Agent
}

// brokenThreads fails every CreateThread and leaves the rest of the store alone.
type brokenThreads struct {
	*forumtest.Memory
}

func (b brokenThreads) CreateThread(context.Context, *forum.Thread) error {
	return errors.New("disk full")
}

func newHarness(t *testing.T, script ...string) *harness {
	t.Helper()
	return newHarnessWith(t, nil, script...)
}

// newHarnessWith lets a test put a wrapper in front of the store the
// orchestrator sees; the generation queue keeps the plain memory store.
func newHarnessWith(t *testing.T, wrap func(*forumtest.Memory) forum.Store, script ...string) *harness {
	t.Helper()
	ctx := context.Background()
	mem := forumtest.New()
	h := &harness{
		ctx:     ctx,
		mem:     mem,
		gen:     &scriptedGen{script: script},
		control: tickcontrol.New(mem),
		sink:    &recordSink{},
		now:     time.Date(2025, 6, 1, 21, 0, 0, 0, time.UTC),
	}
	logger := log.New(io.Discard, "", 0)
	cfg := tuning.Defaults()
	st := settings.New(mem)
	q := generation.New(mem, h.gen, generation.Options{
		Tuning:   cfg.Generation,
		Settings: st,
		Auditor:  mem,
		Logger:   logger,
		Rand:     rand.New(rand.NewSource(3)),
		Now:      func() time.Time { return h.now },
	})
	var store forum.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	h.orch = New(Deps{
		Store:    store,
		Queue:    q,
		Control:  h.control,
		Settings: st,
		Tuning:   cfg,
		Sinks:    []TickSink{h.sink},
		Logger:   logger,
		Now:      func() time.Time { return h.now },
	})

	board := &forum.Board{Name: "News + Meta", Slug: forum.CoreBoardSlug, CreatedAt: h.now}
	if err := mem.CreateBoard(ctx, board); err != nil {
		t.Fatalf("CreateBoard: %v", err)
	}
	agents := []*forum.Agent{
		{Name: forum.AdminHandle, Archetype: "Admin", Role: forum.RoleAdmin},
		{Name: forum.OrganicHandle, Archetype: "Organic", Role: forum.RoleOrganic},
		{Name: "Nyx", Archetype: "Archivist", Role: forum.RoleMember},
		{Name: "Vesper", Archetype: "Skeptic", Role: forum.RoleMember},
		{Name: "Quill", Archetype: "Lurker", Role: forum.RoleMember},
		{Name: "Sable", Archetype: "Theorist", Role: forum.RoleMember},
	}
	for _, a := range agents {
		a.RegisteredAt = h.now
		a.State.Normalize()
		if err := mem.CreateAgent(ctx, a); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
	}
	h.organic = agents[1]
	return h
}

func (h *harness) run(t *testing.T, opts Options) Result {
	t.Helper()
	res, err := h.orch.Run(h.ctx, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.now = h.now.Add(10 * time.Minute)
	return res
}

func seed(v int64) *int64 { return &v }

func TestFrozenTickIsSkipped(t *testing.T) {
	h := newHarness(t)
	if _, err := h.control.Freeze(h.ctx, "ops", "maintenance"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	res := h.run(t, Options{})
	if !res.Skipped {
		t.Fatalf("expected skipped result, got %+v", res)
	}
	last, err := h.mem.LastTick(h.ctx)
	if err != nil {
		t.Fatalf("LastTick: %v", err)
	}
	if last != 0 {
		t.Fatalf("frozen run wrote tick %d", last)
	}
	if len(h.sink.ticks) != 0 {
		t.Fatalf("sink saw %v", h.sink.ticks)
	}
}

func TestForcedTickWhileFrozenRecordsOverride(t *testing.T) {
	h := newHarness(t)
	if _, err := h.control.Freeze(h.ctx, "ops", "maintenance"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	res := h.run(t, Options{Force: true, Note: "smoke test", Seed: seed(11)})
	if res.Skipped || res.Tick != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Origin != "manual-override" {
		t.Fatalf("origin = %q", res.Origin)
	}
	rec, err := h.mem.GetTick(h.ctx, 1)
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if rec.CountEvents("tick_override") != 1 {
		t.Fatalf("expected one tick_override event")
	}
	found := false
	for _, a := range h.mem.Audits {
		if a.Kind == "tick_override" && a.Tick == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("override not audited: %+v", h.mem.Audits)
	}
}

func TestTicksAdvanceAndPersistDraws(t *testing.T) {
	h := newHarness(t)
	first := h.run(t, Options{Seed: seed(42)})
	second := h.run(t, Options{Seed: seed(43)})
	if first.Tick != 1 || second.Tick != 2 {
		t.Fatalf("ticks = %d, %d", first.Tick, second.Tick)
	}
	for _, tick := range []int{1, 2} {
		rec, err := h.mem.GetTick(h.ctx, tick)
		if err != nil {
			t.Fatalf("GetTick(%d): %v", tick, err)
		}
		if rec.CountEvents("oracle") != 1 || rec.CountEvents("allocation") != 1 {
			t.Fatalf("tick %d missing oracle/allocation events", tick)
		}
		draw, ok := h.mem.OracleDraw(tick)
		if !ok {
			t.Fatalf("no oracle draw for tick %d", tick)
		}
		if draw.Seed != int64(41+tick) {
			t.Fatalf("tick %d seed = %d", tick, draw.Seed)
		}
		if draw.EnergyPrime != rec.EnergyPrime {
			t.Fatalf("draw and record disagree: %d vs %d", draw.EnergyPrime, rec.EnergyPrime)
		}
	}
	last, ok, err := h.control.LastRun(h.ctx)
	if err != nil || !ok {
		t.Fatalf("LastRun: ok=%v err=%v", ok, err)
	}
	if last.Tick != 2 || last.Origin != "manual" {
		t.Fatalf("last run = %+v", last)
	}
	if len(h.sink.ticks) != 2 {
		t.Fatalf("sink saw %v", h.sink.ticks)
	}
}

func TestQuietForumAlwaysOpensAThread(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, Options{Seed: seed(7)})
	if res.Threads < 1 {
		t.Fatalf("expected at least one thread, got %+v", res)
	}
	threads, err := h.mem.ListThreads(h.ctx, forum.ThreadQuery{})
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	for _, th := range threads {
		if len(th.Topics) < 2 || len(th.Topics) > 4 {
			t.Fatalf("thread %q topics = %v", th.Title, th.Topics)
		}
	}
}

func TestOpeningPostRelocatesThread(t *testing.T) {
	h := newHarness(t, "BOARD-NEW: dream-logs | Dream Logs\nFound a tape labelled 1997 in the hold. Anyone else logging these?")
	h.run(t, Options{Seed: seed(5)})

	board, err := h.mem.BoardBySlug(h.ctx, "dream-logs")
	if err != nil {
		t.Fatalf("BoardBySlug: %v", err)
	}
	if board.Name != "Dream Logs" {
		t.Fatalf("board name = %q", board.Name)
	}
	threads, err := h.mem.ListThreads(h.ctx, forum.ThreadQuery{})
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	var moved *forum.Thread
	for _, th := range threads {
		if th.BoardID == board.ID {
			moved = th
		}
	}
	if moved == nil {
		t.Fatalf("no thread moved to %s", board.Slug)
	}
	if moved.Topics[0] != "dream-logs" {
		t.Fatalf("topics = %v", moved.Topics)
	}
	posts, err := h.mem.ThreadPosts(h.ctx, moved.ID)
	if err != nil || len(posts) == 0 {
		t.Fatalf("ThreadPosts: %v (%d)", err, len(posts))
	}
	if strings.HasPrefix(posts[0].Content, "BOARD") {
		t.Fatalf("marker line kept: %q", posts[0].Content)
	}
	rec, err := h.mem.GetTick(h.ctx, 1)
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if rec.CountEvents("thread_relocate") != 1 {
		t.Fatalf("expected a thread_relocate event")
	}
}

func TestLoreIsConsumedOnce(t *testing.T) {
	h := newHarness(t)
	err := h.mem.ScheduleLore(h.ctx, &forum.LoreEvent{
		Key: "board_request:vhs", Kind: "board_request", Tick: 1,
		Meta: map[string]any{"slug": "vhs-vault", "name": "VHS Vault"},
	})
	if err != nil {
		t.Fatalf("ScheduleLore: %v", err)
	}
	h.run(t, Options{Seed: seed(1)})
	h.run(t, Options{Seed: seed(2)})

	if _, err := h.mem.BoardBySlug(h.ctx, "vhs-vault"); err != nil {
		t.Fatalf("requested board missing: %v", err)
	}
	one, _ := h.mem.GetTick(h.ctx, 1)
	two, _ := h.mem.GetTick(h.ctx, 2)
	if one.CountEvents("lore_event") != 1 {
		t.Fatalf("tick 1 lore events = %d", one.CountEvents("lore_event"))
	}
	for _, e := range two.Events {
		if e.Type() == "lore_event" && e["key"] == "board_request:vhs" {
			t.Fatalf("lore replayed on tick 2")
		}
	}
}

func TestOrganicAgentNeverActs(t *testing.T) {
	h := newHarness(t)
	for i := int64(0); i < 3; i++ {
		h.run(t, Options{Seed: seed(100 + i)})
	}
	for _, task := range h.mem.Tasks() {
		if task.AgentID == h.organic.ID {
			t.Fatalf("task %d automated the organic user", task.ID)
		}
	}
	for _, p := range h.mem.Posts() {
		if p.AuthorID == h.organic.ID {
			t.Fatalf("post %d authored by the organic user", p.ID)
		}
	}
	for _, m := range h.mem.Messages() {
		if m.SenderID == h.organic.ID {
			t.Fatalf("message %d sent as the organic user", m.ID)
		}
	}
}

func TestProgressEventEveryFifthTick(t *testing.T) {
	h := newHarness(t)
	for i := int64(1); i <= 5; i++ {
		h.run(t, Options{Seed: seed(i)})
	}
	four, err := h.mem.GetTick(h.ctx, 4)
	if err != nil {
		t.Fatalf("GetTick(4): %v", err)
	}
	if four.CountEvents("progress") != 0 {
		t.Fatalf("progress emitted early")
	}
	five, err := h.mem.GetTick(h.ctx, 5)
	if err != nil {
		t.Fatalf("GetTick(5): %v", err)
	}
	if five.CountEvents("progress") != 1 {
		t.Fatalf("expected progress on tick 5")
	}
}

func TestTasksStayUnderPerTickCeiling(t *testing.T) {
	h := newHarness(t)
	if err := h.mem.SetSetting(h.ctx, settings.AITasksPerTick, "2"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	for i := int64(1); i <= 8; i++ {
		before := len(h.mem.Tasks())
		res := h.run(t, Options{Seed: seed(i)})
		enqueued := len(h.mem.Tasks()) - before
		if res.Tasks > 2 || enqueued > 2 {
			t.Fatalf("seed %d: result tasks=%d stored=%d, ceiling 2 (allocation %+v)", i, res.Tasks, enqueued, res.Allocation)
		}
		if res.Allocation.LLMActions() > 2 {
			t.Fatalf("seed %d: allocation over ceiling: %+v", i, res.Allocation)
		}
		rec, err := h.mem.GetTick(h.ctx, res.Tick)
		if err != nil {
			t.Fatalf("GetTick(%d): %v", res.Tick, err)
		}
		if n := rec.CountEvents("thread_task") + rec.CountEvents("reply_task") + rec.CountEvents("private_message_task"); n > 2 {
			t.Fatalf("seed %d: %d task events", i, n)
		}
	}
}

func TestQuietForumThreadCountsAgainstCeiling(t *testing.T) {
	h := newHarness(t)
	if err := h.mem.SetSetting(h.ctx, settings.AITasksPerTick, "1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	res := h.run(t, Options{Seed: seed(3)})
	if res.Tasks > 1 {
		t.Fatalf("tasks=%d with ceiling 1", res.Tasks)
	}
	if res.Allocation.Threads+res.Allocation.Replies+res.Allocation.PrivateMessages > 1 {
		t.Fatalf("allocation over ceiling: %+v", res.Allocation)
	}
}

func TestFailedStepDoesNotAbortTick(t *testing.T) {
	h := newHarnessWith(t, func(m *forumtest.Memory) forum.Store { return brokenThreads{m} })
	res := h.run(t, Options{Seed: seed(7)})
	if res.Skipped || res.Tick != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Threads != 0 {
		t.Fatalf("threads created = %d", res.Threads)
	}
	found := false
	for _, f := range res.Failures {
		if f.Kind == "thread" && strings.Contains(f.Err, "disk full") {
			found = true
		}
	}
	if !found {
		t.Fatalf("thread failure not reported: %+v", res.Failures)
	}
	rec, err := h.mem.GetTick(h.ctx, 1)
	if err != nil {
		t.Fatalf("tick not recorded: %v", err)
	}
	if rec.CountEvents("oracle") != 1 {
		t.Fatalf("record missing oracle event")
	}
	if len(h.sink.ticks) != 1 {
		t.Fatalf("sink saw %v", h.sink.ticks)
	}
	if last, ok, err := h.control.LastRun(h.ctx); err != nil || !ok || last.Tick != 1 {
		t.Fatalf("LastRun = %+v ok=%v err=%v", last, ok, err)
	}
}

func TestParseBoardMarker(t *testing.T) {
	cases := []struct {
		head, slug, newSlug, newName string
	}{
		{"BOARD: news-meta", "news-meta", "", ""},
		{"board-new: Dream Logs | Dream Logs", "", "dream-logs", "Dream Logs"},
		{"BOARD-NEW: tape_club", "", "tape_club", "Tape Club"},
		{"Just a post", "", "", ""},
	}
	for _, c := range cases {
		slug, ns, nn := parseBoardMarker(c.head)
		if slug != c.slug || ns != c.newSlug || nn != c.newName {
			t.Fatalf("%q => (%q,%q,%q)", c.head, slug, ns, nn)
		}
	}
}

func TestNormalizeTopic(t *testing.T) {
	cases := map[string]string{
		"Lost Media!":                         "lost-media",
		"  --odd__":                           "odd",
		"a-very-long-topic-name-that-goes-on": "a-very-long-topic-name-that-goes",
	}
	for in, want := range cases {
		if got := normalizeTopic(in); got != want {
			t.Fatalf("normalizeTopic(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSeedForumIsIdempotent(t *testing.T) {
	mem := forumtest.New()
	o := New(Deps{Store: mem, Tuning: tuning.Defaults(), Logger: log.New(io.Discard, "", 0)})
	ctx := context.Background()
	first, err := o.SeedForum(ctx, 4, 9)
	if err != nil {
		t.Fatalf("SeedForum: %v", err)
	}
	if len(first.Agents) != 6 {
		t.Fatalf("agents = %v", first.Agents)
	}
	if _, err := mem.BoardBySlug(ctx, forum.CoreBoardSlug); err != nil {
		t.Fatalf("core board missing: %v", err)
	}
	second, err := o.SeedForum(ctx, 0, 9)
	if err != nil {
		t.Fatalf("SeedForum again: %v", err)
	}
	if len(second.Boards) != 0 || len(second.Agents) != 0 {
		t.Fatalf("second seed created %+v", second)
	}
	admin, err := mem.AgentByName(ctx, forum.AdminHandle)
	if err != nil || !admin.IsAdmin() {
		t.Fatalf("admin = %+v, %v", admin, err)
	}
}
