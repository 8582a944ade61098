package generation

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"strings"
	"testing"
	"time"

	"ghostship.forum/internal/completion"
	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/forum/forumtest"
	"ghostship.forum/internal/settings"
	"ghostship.forum/internal/sim/tuning"
)

type fakeGen struct {
	replies   []completion.Result
	calls     []completion.Request
	remaining int
}

func (f *fakeGen) Generate(_ context.Context, req completion.Request) completion.Result {
	f.calls = append(f.calls, req)
	if len(f.replies) == 0 {
		return completion.Result{Success: true, Text: "fresh observation number " + string(rune('a'+len(f.calls)))}
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r
}

func (f *fakeGen) Remaining(context.Context) int { return f.remaining }

func ok(text string) completion.Result { return completion.Result{Success: true, Text: text} }

type fixture struct {
	ctx    context.Context
	mem    *forumtest.Memory
	gen    *fakeGen
	q      *Queue
	now    time.Time
	nyx    *forum.Agent
	vesper *forum.Agent
	thread *forum.Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := forumtest.New()
	f := &fixture{ctx: ctx, mem: mem, gen: &fakeGen{remaining: 100}}
	f.now = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	f.q = New(mem, f.gen, Options{
		Tuning:   tuning.Defaults().Generation,
		Settings: settings.New(mem),
		Auditor:  mem,
		Logger:   log.New(io.Discard, "", 0),
		Rand:     rand.New(rand.NewSource(1)),
		Now:      func() time.Time { return f.now },
	})
	f.nyx = &forum.Agent{Name: "Nyx", Archetype: "Archivist"}
	f.vesper = &forum.Agent{Name: "Vesper", Archetype: "Skeptic"}
	for _, a := range []*forum.Agent{f.nyx, f.vesper} {
		if err := mem.CreateAgent(ctx, a); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
	}
	f.thread = &forum.Thread{Title: "hull lights", AuthorID: f.vesper.ID, CreatedAt: f.now, LastActivityAt: f.now}
	if err := mem.CreateThread(ctx, f.thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return f
}

func (f *fixture) post(t *testing.T, author *forum.Agent, content string) {
	t.Helper()
	f.now = f.now.Add(time.Second)
	if err := f.mem.CreatePost(f.ctx, &forum.Post{ThreadID: f.thread.ID, AuthorID: author.ID, Content: content, CreatedAt: f.now}); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
}

func payload(extra map[string]any) map[string]any {
	p := map[string]any{"tick_number": 3, "instruction": "Say something specific.", "max_tokens": 120}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func (f *fixture) enqueue(t *testing.T, nt forum.NewTask) *forum.GenerationTask {
	t.Helper()
	task, err := f.q.Enqueue(f.ctx, nt)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return task
}

func (f *fixture) task(t *testing.T, id int64) *forum.GenerationTask {
	t.Helper()
	task, err := f.mem.GetTask(f.ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func TestEnqueueValidatesAndGuardsOrganic(t *testing.T) {
	f := newFixture(t)
	task := f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.nyx.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	if task.UID == "" || task.Status != forum.StatusPending {
		t.Fatalf("unexpected task: %+v", task)
	}

	if _, err := f.q.Enqueue(f.ctx, forum.NewTask{Type: forum.TaskReply, AgentID: f.nyx.ID, Payload: map[string]any{"tick_number": 1}}); err == nil {
		t.Fatalf("payload without instruction should be rejected")
	}

	organic := &forum.Agent{Name: forum.OrganicHandle, Role: forum.RoleOrganic}
	_ = f.mem.CreateAgent(f.ctx, organic)
	_, err := f.q.Enqueue(f.ctx, forum.NewTask{Type: forum.TaskDM, AgentID: organic.ID, RecipientID: f.nyx.ID, Payload: payload(nil)})
	if !errors.Is(err, ErrOrganicGuardrail) {
		t.Fatalf("expected guardrail error, got %v", err)
	}
	if len(f.mem.Audits) != 1 || f.mem.Audits[0].Kind != "automation_blocked" {
		t.Fatalf("audits=%+v", f.mem.Audits)
	}
}

func TestVerbatimDuplicateDMIsDeferred(t *testing.T) {
	f := newFixture(t)
	f.post(t, f.vesper, "the hull lights blinked twice before the organic logged off")
	task := f.enqueue(t, forum.NewTask{Type: forum.TaskDM, AgentID: f.nyx.ID, RecipientID: f.vesper.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	f.gen.replies = []completion.Result{ok("the hull lights blinked twice before the organic logged off")}

	st, err := f.q.Drain(f.ctx, Filter{})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if st.Processed != 0 || st.Deferred != 1 {
		t.Fatalf("stats=%+v", st)
	}
	got := f.task(t, task.ID)
	if got.Status != forum.StatusDeferred || got.Attempts != task.Attempts+1 {
		t.Fatalf("task after rejection: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.LastError != "Rescheduled: verbatim duplicate" {
		t.Fatalf("last_error=%q", got.LastError)
	}
	if got.ScheduledFor == nil || !got.ScheduledFor.Equal(f.now.Add(60*time.Second)) {
		t.Fatalf("scheduled_for=%v", got.ScheduledFor)
	}
	if !strings.HasPrefix(got.PayloadString("instruction"), "(RETRY - avoid repeating existing content)") {
		t.Fatalf("instruction not strengthened: %q", got.PayloadString("instruction"))
	}
	if len(f.mem.Messages()) != 0 {
		t.Fatalf("rejected DM must not be delivered")
	}

	// Not due until the retry delay passes.
	if st, _ := f.q.Drain(f.ctx, Filter{}); st.Processed+st.Deferred != 0 {
		t.Fatalf("deferred task drained early: %+v", st)
	}
	f.now = f.now.Add(61 * time.Second)
	f.gen.replies = []completion.Result{ok("Vesper, I logged a second flicker pattern near the galley")}
	if st, _ := f.q.Drain(f.ctx, Filter{}); st.Processed != 1 {
		t.Fatalf("retry not processed: %+v", st)
	}
	got = f.task(t, task.ID)
	if got.Status != forum.StatusCompleted || got.Attempts != 2 || got.ScheduledFor != nil {
		t.Fatalf("after retry: %+v", got)
	}
	msgs := f.mem.Messages()
	if len(msgs) != 1 || msgs[0].SenderID != f.nyx.ID || msgs[0].RecipientID != f.vesper.ID {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestCompletedTaskIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.post(t, f.vesper, "opening notes about the flicker")
	task := f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.nyx.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	f.gen.replies = []completion.Result{ok("I caught the same flicker from the observation deck at dusk")}

	if st, _ := f.q.Drain(f.ctx, Filter{}); st.Processed != 1 {
		t.Fatalf("stats=%+v", st)
	}
	got := f.task(t, task.ID)
	if got.Status != forum.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("task=%+v", got)
	}
	th, _ := f.mem.GetThread(f.ctx, f.thread.ID)
	if th.Heat != 1 || th.HotScore < 0.6-1e-9 {
		t.Fatalf("thread heat=%v hot=%v", th.Heat, th.HotScore)
	}
	nyx, _ := f.mem.GetAgent(f.ctx, f.nyx.ID)
	if len(nyx.State.Memory.Global) != 1 || len(nyx.State.Memory.Threads[f.thread.ID]) != 1 {
		t.Fatalf("memory not updated: %+v", nyx.State.Memory)
	}

	posts := len(f.mem.Posts())
	calls := len(f.gen.calls)
	if st, _ := f.q.Drain(f.ctx, Filter{}); st.Processed+st.Deferred != 0 {
		t.Fatalf("re-drain should be a no-op: %+v", st)
	}
	if len(f.mem.Posts()) != posts || len(f.gen.calls) != calls {
		t.Fatalf("re-drain produced side effects")
	}
}

func TestBatchSplitsSegments(t *testing.T) {
	f := newFixture(t)
	f.post(t, f.vesper, "opening notes")
	a := f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.nyx.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	b := f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.vesper.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	f.gen.replies = []completion.Result{ok("TASK 1: galley cameras show a second shadow\n\nTASK 2:\nchecking the deck logs against the shadow timing")}

	st, err := f.q.Drain(f.ctx, Filter{})
	if err != nil || st.Processed != 2 {
		t.Fatalf("stats=%+v err=%v", st, err)
	}
	if len(f.gen.calls) != 1 {
		t.Fatalf("expected one batched call, got %d", len(f.gen.calls))
	}
	if !strings.Contains(f.gen.calls[0].Prompt, "---- TASK 2 ----") || f.gen.calls[0].MaxTokens != 240 {
		t.Fatalf("batch request: tokens=%d", f.gen.calls[0].MaxTokens)
	}
	if got := f.task(t, a.ID).ResponseText; got != "galley cameras show a second shadow" {
		t.Fatalf("task a=%q", got)
	}
	if got := f.task(t, b.ID).ResponseText; got != "checking the deck logs against the shadow timing" {
		t.Fatalf("task b=%q", got)
	}
}

func TestBatchMismatchFallsBackToSingles(t *testing.T) {
	f := newFixture(t)
	f.post(t, f.vesper, "opening notes")
	f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.nyx.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.vesper.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	f.gen.replies = []completion.Result{
		ok("TASK 1: only one segment came back"),
		ok("first individual answer about the vents"),
		ok("second individual answer regarding stairwell echoes"),
	}
	st, _ := f.q.Drain(f.ctx, Filter{})
	if st.Processed != 2 || len(f.gen.calls) != 3 {
		t.Fatalf("stats=%+v calls=%d", st, len(f.gen.calls))
	}
	for _, task := range f.mem.Tasks() {
		if task.Attempts != 1 {
			t.Fatalf("attempts counted twice: %+v", task)
		}
	}
}

func TestPlaceholderUpdatedInPlace(t *testing.T) {
	f := newFixture(t)
	task := f.enqueue(t, forum.NewTask{Type: forum.TaskThreadStart, AgentID: f.vesper.ID, ThreadID: f.thread.ID,
		Payload: payload(map[string]any{"topics": []string{"lights"}, "board": "news-meta"})})
	f.gen.replies = []completion.Result{{Success: false, Text: "(offline ghostship placeholder) hi"}}
	if st, _ := f.q.Drain(f.ctx, Filter{}); st.Processed != 1 {
		t.Fatalf("placeholder should complete the task: %+v", st)
	}
	posts := f.mem.Posts()
	if len(posts) != 1 || !posts[0].IsPlaceholder {
		t.Fatalf("posts=%+v", posts)
	}

	// A later authoritative result for the same author replaces it.
	retry := f.enqueue(t, forum.NewTask{Type: forum.TaskThreadStart, AgentID: f.vesper.ID, ThreadID: f.thread.ID,
		Payload: payload(map[string]any{"topics": []string{"lights"}, "board": "news-meta"})})
	f.gen.replies = []completion.Result{ok("The hull lights pulse in threes every night at 02:00.")}
	f.q.Drain(f.ctx, Filter{})
	posts = f.mem.Posts()
	if len(posts) != 1 || posts[0].IsPlaceholder || !strings.HasPrefix(posts[0].Content, "The hull lights") {
		t.Fatalf("placeholder not replaced: %+v", posts)
	}
	if f.task(t, task.ID).Status != forum.StatusCompleted || f.task(t, retry.ID).Status != forum.StatusCompleted {
		t.Fatalf("tasks should be completed")
	}
	th, _ := f.mem.GetThread(f.ctx, f.thread.ID)
	if th.Heat != 1 {
		t.Fatalf("opener heat=%v", th.Heat)
	}
}

func TestSkipReasons(t *testing.T) {
	f := newFixture(t)
	banned := &forum.Agent{Name: "Rook", Role: forum.RoleBanned}
	_ = f.mem.CreateAgent(f.ctx, banned)
	bt := f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: banned.ID, ThreadID: f.thread.ID, Payload: payload(nil)})

	locked := &forum.Thread{Title: "sealed", AuthorID: f.vesper.ID, Locked: true}
	_ = f.mem.CreateThread(f.ctx, locked)
	lt := f.enqueue(t, forum.NewTask{Type: forum.TaskThreadStart, AgentID: f.nyx.ID, ThreadID: locked.ID,
		Payload: payload(map[string]any{"topics": []string{}, "board": "news-meta"})})

	if st, _ := f.q.Drain(f.ctx, Filter{Limit: 5}); st.Processed != 2 {
		t.Fatalf("stats=%+v", st)
	}
	if got := f.task(t, bt.ID).ResponseText; got != "(skipped: agent banned)" {
		t.Fatalf("banned=%q", got)
	}
	if got := f.task(t, lt.ID).ResponseText; got != "(skipped: thread locked)" {
		t.Fatalf("locked=%q", got)
	}
	if len(f.gen.calls) != 0 {
		t.Fatalf("skipped tasks must not call the service")
	}
}

func TestOrganicTaskIsBlockedAtDrain(t *testing.T) {
	f := newFixture(t)
	organic := &forum.Agent{Name: forum.OrganicHandle, Role: forum.RoleOrganic}
	_ = f.mem.CreateAgent(f.ctx, organic)
	// Written straight to the store, bypassing Enqueue.
	task := &forum.GenerationTask{Type: forum.TaskReply, Status: forum.StatusPending, AgentID: organic.ID, ThreadID: f.thread.ID, Payload: payload(nil)}
	_ = f.mem.CreateTask(f.ctx, task)

	f.q.Drain(f.ctx, Filter{})
	if got := f.task(t, task.ID); got.Status != forum.StatusCompleted || got.ResponseText != "(skipped: organic_interface_guardrail)" {
		t.Fatalf("task=%+v", got)
	}
	if len(f.mem.Audits) != 1 || f.mem.Audits[0].TaskID != task.ID {
		t.Fatalf("audits=%+v", f.mem.Audits)
	}
}

func TestRepeatedTropePenalizesAgent(t *testing.T) {
	f := newFixture(t)
	nyx, _ := f.mem.GetAgent(f.ctx, f.nyx.ID)
	for i := 0; i < 2; i++ {
		nyx.State.Memory.Remember(forum.MemoryEntry{Summary: "snack drawer audit"}, 0, 0, 12)
	}
	nyx.State.Suspicion = 0.2
	_ = f.mem.SaveAgent(f.ctx, nyx)
	task := f.enqueue(t, forum.NewTask{Type: forum.TaskDM, AgentID: nyx.ID, RecipientID: f.vesper.ID, Payload: payload(nil)})
	f.gen.replies = []completion.Result{ok("snack drawer audit")}

	f.q.Drain(f.ctx, Filter{})
	got := f.task(t, task.ID)
	if got.LastError != "Rescheduled: repeated trope in agent memory" {
		t.Fatalf("last_error=%q", got.LastError)
	}
	after, _ := f.mem.GetAgent(f.ctx, nyx.ID)
	if after.State.Suspicion < 0.25-1e-9 || after.State.Suspicion > 0.25+1e-9 {
		t.Fatalf("suspicion=%v", after.State.Suspicion)
	}
}

func TestEmptyResponsesEscalate(t *testing.T) {
	f := newFixture(t)
	task := f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.nyx.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	for i := 0; i < 2; i++ {
		j, err := f.q.load(f.ctx, f.task(t, task.ID))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if f.q.handleResult(f.ctx, j, completion.Result{Success: true, Text: "   "}) {
			t.Fatalf("empty result must not complete")
		}
	}
	got := f.task(t, task.ID)
	if got.Status != forum.StatusDeferred || got.LastError != "Empty response" {
		t.Fatalf("task=%+v", got)
	}
	tickets, _ := f.mem.ListTickets(f.ctx, 10)
	if len(tickets) != 1 || tickets[0].Title != "Thread needs body: hull lights" || tickets[0].Tags[0] != "needs-body" {
		t.Fatalf("tickets=%+v", tickets)
	}
}

func TestDrainForStopsWhenNothingPending(t *testing.T) {
	f := newFixture(t)
	f.post(t, f.vesper, "opening notes")
	for i := 0; i < 4; i++ {
		f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.nyx.ID, ThreadID: f.thread.ID, Payload: payload(nil)})
	}
	f.gen.remaining = 0
	st, err := f.q.DrainFor(f.ctx, forum.TaskReply, f.thread.ID, 6, 2, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("DrainFor: %v", err)
	}
	if st.Processed != 4 {
		t.Fatalf("stats=%+v", st)
	}
	if n, _ := f.mem.CountPending(f.ctx, forum.TaskFilter{Type: forum.TaskReply}); n != 0 {
		t.Fatalf("pending=%d", n)
	}
}

func TestDMPromptCarriesClimateAndLatestMessage(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, forum.NewTask{Type: forum.TaskDM, AgentID: f.nyx.ID, RecipientID: f.vesper.ID, Payload: payload(map[string]any{
		"recent_message": "the hull lights blinked twice at 3am",
		"event_context": map[string]any{
			"seance": true, "seance_label": "Candle Vigil",
			"omen": false, "omen_label": nil,
			"sentiment_bias": 0.2, "toxicity_bias": 0.0,
		},
	})})
	if _, err := f.q.Drain(f.ctx, Filter{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(f.gen.calls) == 0 {
		t.Fatalf("no completion call")
	}
	prompt := f.gen.calls[0].Prompt
	for _, want := range []string{
		"You are answering this from @Vesper: the hull lights blinked twice at 3am",
		"Forum climate: seance in effect (Candle Vigil); lean warmer than usual.",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestMentionableHandlesComeFromThread(t *testing.T) {
	f := newFixture(t)
	quill := &forum.Agent{Name: "Quill", Archetype: "Lurker"}
	if err := f.mem.CreateAgent(f.ctx, quill); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	f.post(t, f.vesper, "the hull lights are back and they blink in threes")
	f.enqueue(t, forum.NewTask{Type: forum.TaskReply, AgentID: f.nyx.ID, ThreadID: f.thread.ID, Payload: payload(map[string]any{
		"mention_whitelist": []any{"Quill"},
	})})
	if _, err := f.q.Drain(f.ctx, Filter{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(f.gen.calls) == 0 {
		t.Fatalf("no completion call")
	}
	prompt := f.gen.calls[0].Prompt
	if !strings.Contains(prompt, "- @Vesper:") {
		t.Fatalf("thread author not mentionable:\n%s", prompt)
	}
	if strings.Contains(prompt, "@Quill") {
		t.Fatalf("handle outside the thread offered for mention:\n%s", prompt)
	}
}

func TestClimateLine(t *testing.T) {
	if got := climateLine(nil); got != "" {
		t.Fatalf("empty context gave %q", got)
	}
	got := climateLine(map[string]any{"omen": true, "omen_label": "Dead Air", "toxicity_bias": 0.3, "sentiment_bias": -0.1})
	want := "Forum climate: omen in effect (Dead Air); lean cooler than usual; some friction is expected, stay civil."
	if got != want {
		t.Fatalf("climateLine = %q", got)
	}
}
