// Package generation owns the durable generation task queue: it enqueues
// thread, reply and DM tasks, drains due tasks in small batches through the
// completion service, screens the output and persists the result or defers
// the task for a retry.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"ghostship.forum/internal/completion"
	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/protocol"
	"ghostship.forum/internal/settings"
	"ghostship.forum/internal/sim/tuning"
)

var (
	ErrOrganicGuardrail = errors.New("organic agent cannot be automated")
	ErrUnknownAgent     = errors.New("unknown agent")
)

// Store is the persistence the queue needs.
type Store interface {
	forum.AgentRepository
	forum.ThreadRepository
	forum.PostRepository
	forum.MessageRepository
	forum.TaskRepository
	forum.TicketRepository
}

type Options struct {
	Tuning   tuning.Generation
	Settings *settings.Settings
	Auditor  forum.Auditor
	Logger   *log.Logger
	// Rand seeds length sampling when a drain does not bring its own.
	Rand *rand.Rand
	Now  func() time.Time
}

type Queue struct {
	store    Store
	gen      completion.Generator
	cfg      tuning.Generation
	settings *settings.Settings
	auditor  forum.Auditor
	logger   *log.Logger
	rng      *rand.Rand
	now      func() time.Time
}

func New(store Store, gen completion.Generator, opts Options) *Queue {
	cfg := opts.Tuning
	def := tuning.Defaults().Generation
	if cfg.RetryDelaySeconds <= 0 {
		cfg.RetryDelaySeconds = def.RetryDelaySeconds
	}
	if cfg.MemoryMax <= 0 {
		cfg.MemoryMax = def.MemoryMax
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = def.DefaultMaxTokens
	}
	if cfg.BatchMinTokens <= 0 {
		cfg.BatchMinTokens = def.BatchMinTokens
	}
	if cfg.BatchMaxTokens < cfg.BatchMinTokens {
		cfg.BatchMaxTokens = max(def.BatchMaxTokens, cfg.BatchMinTokens)
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.DuplicateOverlap <= 0 {
		cfg.DuplicateOverlap = def.DuplicateOverlap
	}
	if cfg.EmptyEscalation <= 0 {
		cfg.EmptyEscalation = def.EmptyEscalation
	}
	q := &Queue{
		store:    store,
		gen:      gen,
		cfg:      cfg,
		settings: opts.Settings,
		auditor:  opts.Auditor,
		logger:   opts.Logger,
		rng:      opts.Rand,
		now:      opts.Now,
	}
	if q.logger == nil {
		q.logger = log.Default()
	}
	if q.rng == nil {
		q.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	return q
}

// Enqueue validates the payload and stores a pending task.
func (q *Queue) Enqueue(ctx context.Context, nt forum.NewTask) (*forum.GenerationTask, error) {
	if err := protocol.ValidatePayload(string(nt.Type), nt.Payload); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", nt.Type, err)
	}
	agent, err := q.store.GetAgent(ctx, nt.AgentID)
	if err != nil {
		if errors.Is(err, forum.ErrNotFound) {
			return nil, fmt.Errorf("enqueue %s: %w", nt.Type, ErrUnknownAgent)
		}
		return nil, err
	}
	if agent.IsOrganic() {
		q.audit(ctx, forum.AuditEntry{
			Tick:    payloadInt(nt.Payload, "tick_number"),
			Kind:    "automation_blocked",
			AgentID: agent.ID,
			Actor:   "generation",
			Details: map[string]any{"task_type": string(nt.Type), "reason": "organic_guardrail", "stage": "enqueue"},
		})
		return nil, &protocol.Error{Code: protocol.ErrGuardrail, Err: ErrOrganicGuardrail}
	}
	now := q.now()
	t := &forum.GenerationTask{
		UID:         uuid.NewString(),
		Type:        nt.Type,
		Status:      forum.StatusPending,
		AgentID:     nt.AgentID,
		ThreadID:    nt.ThreadID,
		RecipientID: nt.RecipientID,
		Payload:     nt.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	if err := q.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

type Filter struct {
	Limit    int
	Type     forum.TaskType
	ThreadID int64
	Rand     *rand.Rand
}

type Stats struct {
	Processed int `json:"processed"`
	Deferred  int `json:"deferred"`
}

func (s *Stats) add(o Stats) {
	s.Processed += o.Processed
	s.Deferred += o.Deferred
}

func (q *Queue) queueLimit(ctx context.Context) int {
	return max(1, q.settings.GetInt(ctx, settings.GenerationQueueLimit, 3))
}

func (q *Queue) batchLimit(ctx context.Context) int {
	return max(1, q.settings.GetInt(ctx, settings.GenerationBatchSize, 3))
}

// Drain runs one cycle over up to f.Limit due tasks ordered by creation.
func (q *Queue) Drain(ctx context.Context, f Filter) (Stats, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = q.queueLimit(ctx)
	}
	rng := f.Rand
	if rng == nil {
		rng = q.rng
	}
	tasks, err := q.store.DueTasks(ctx, forum.TaskFilter{Limit: limit, Type: f.Type, ThreadID: f.ThreadID}, q.now())
	if err != nil {
		return Stats{}, fmt.Errorf("due tasks: %w", err)
	}
	var st Stats
	batchLimit := q.batchLimit(ctx)
	for i := 0; i < len(tasks); {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		batch := sliceBatch(tasks, i, batchLimit)
		st.add(q.processBatch(ctx, batch, rng))
		i += len(batch)
	}
	return st, nil
}

// DrainFor drains tasks of one type (optionally for one thread) until none
// are pending or maxLoops cycles ran.
func (q *Queue) DrainFor(ctx context.Context, typ forum.TaskType, threadID int64, maxLoops, batch int, rng *rand.Rand) (Stats, error) {
	var st Stats
	for i := 0; i < maxLoops; i++ {
		cycle, err := q.Drain(ctx, Filter{Limit: batch, Type: typ, ThreadID: threadID, Rand: rng})
		st.add(cycle)
		if err != nil {
			return st, err
		}
		n, err := q.store.CountPending(ctx, forum.TaskFilter{Type: typ, ThreadID: threadID})
		if err != nil {
			return st, err
		}
		if n == 0 || cycle.Processed+cycle.Deferred == 0 {
			break
		}
	}
	return st, nil
}

func sliceBatch(tasks []*forum.GenerationTask, start, limit int) []*forum.GenerationTask {
	head := tasks[start]
	if !head.Type.Batchable() || limit <= 1 {
		return tasks[start : start+1]
	}
	end := start + 1
	upper := min(start+limit, len(tasks))
	for end < upper && tasks[end].Type == head.Type {
		end++
	}
	return tasks[start:end]
}

// job is a task with its agent, thread and recipient loaded.
type job struct {
	task      *forum.GenerationTask
	agent     *forum.Agent
	thread    *forum.Thread
	recipient *forum.Agent
}

func (q *Queue) load(ctx context.Context, t *forum.GenerationTask) (*job, error) {
	j := &job{task: t}
	var err error
	if j.agent, err = q.store.GetAgent(ctx, t.AgentID); err != nil {
		return nil, fmt.Errorf("agent %d: %w", t.AgentID, err)
	}
	if t.ThreadID != 0 {
		if j.thread, err = q.store.GetThread(ctx, t.ThreadID); err != nil && !errors.Is(err, forum.ErrNotFound) {
			return nil, fmt.Errorf("thread %d: %w", t.ThreadID, err)
		}
	}
	if t.RecipientID != 0 {
		if j.recipient, err = q.store.GetAgent(ctx, t.RecipientID); err != nil && !errors.Is(err, forum.ErrNotFound) {
			return nil, fmt.Errorf("recipient %d: %w", t.RecipientID, err)
		}
	}
	return j, nil
}

func (q *Queue) processBatch(ctx context.Context, tasks []*forum.GenerationTask, rng *rand.Rand) Stats {
	var st Stats
	var ready []*job
	for _, t := range tasks {
		j, err := q.load(ctx, t)
		if err != nil {
			if errors.Is(err, forum.ErrNotFound) {
				q.completeWithoutOutput(ctx, t, "agent missing")
				st.Processed++
				continue
			}
			q.logger.Printf("generation: load task %d: %v", t.ID, err)
			q.deferTask(ctx, t, err.Error())
			st.Deferred++
			continue
		}
		if reason := q.skipReason(ctx, j); reason != "" {
			q.logger.Printf("generation: skipping task %d: %s", t.ID, reason)
			q.completeWithoutOutput(ctx, t, reason)
			st.Processed++
			continue
		}
		ready = append(ready, j)
	}
	if len(ready) == 0 {
		return st
	}
	if len(ready) == 1 || !ready[0].task.Type.Batchable() || q.gen.Remaining(ctx) < len(ready) {
		for _, j := range ready {
			st.add(q.processSingle(ctx, j, rng))
		}
		return st
	}

	for _, j := range ready {
		if err := q.markProcessing(ctx, j.task); err != nil {
			q.logger.Printf("generation: mark task %d: %v", j.task.ID, err)
		}
	}
	results := q.generateBatch(ctx, ready, rng)
	if len(results) != len(ready) {
		for _, j := range ready {
			st.add(q.outcome(q.handleResult(ctx, j, q.generate(ctx, j, rng))))
		}
		return st
	}
	for i, j := range ready {
		st.add(q.outcome(q.handleResult(ctx, j, results[i])))
	}
	return st
}

func (q *Queue) outcome(completed bool) Stats {
	if completed {
		return Stats{Processed: 1}
	}
	return Stats{Deferred: 1}
}

func (q *Queue) processSingle(ctx context.Context, j *job, rng *rand.Rand) Stats {
	if err := q.markProcessing(ctx, j.task); err != nil {
		q.logger.Printf("generation: task %d failed: %v", j.task.ID, err)
		q.deferTask(ctx, j.task, err.Error())
		return Stats{Deferred: 1}
	}
	return q.outcome(q.handleResult(ctx, j, q.generate(ctx, j, rng)))
}

func (q *Queue) skipReason(ctx context.Context, j *job) string {
	switch {
	case j.agent.IsBanned():
		return "agent banned"
	case j.agent.IsOrganic():
		q.audit(ctx, forum.AuditEntry{
			Tick:    j.task.PayloadInt("tick_number", 0),
			Kind:    "automation_blocked",
			AgentID: j.agent.ID,
			TaskID:  j.task.ID,
			Actor:   "generation",
			Details: map[string]any{
				"task_type":    string(j.task.Type),
				"reason":       "organic_guardrail",
				"thread_id":    j.task.ThreadID,
				"recipient_id": j.task.RecipientID,
				"content":      "[automation:" + string(j.task.Type) + "]",
			},
		})
		return "organic_interface_guardrail"
	case j.thread != nil && j.thread.Locked && j.task.Type != forum.TaskDM:
		return "thread locked"
	}
	return ""
}

func (q *Queue) audit(ctx context.Context, e forum.AuditEntry) {
	if q.auditor == nil {
		return
	}
	if e.At.IsZero() {
		e.At = q.now()
	}
	if err := q.auditor.Audit(ctx, e); err != nil {
		q.logger.Printf("generation: audit %s: %v", e.Kind, err)
	}
}

func (q *Queue) markProcessing(ctx context.Context, t *forum.GenerationTask) error {
	t.Status = forum.StatusProcessing
	t.ScheduledFor = nil
	t.Attempts++
	return q.store.SaveTask(ctx, t)
}

func (q *Queue) completeWithoutOutput(ctx context.Context, t *forum.GenerationTask, reason string) {
	now := q.now()
	t.Status = forum.StatusCompleted
	t.ScheduledFor = nil
	t.ResponseText = "(skipped: " + reason + ")"
	t.CompletedAt = &now
	if err := q.store.SaveTask(ctx, t); err != nil {
		q.logger.Printf("generation: complete task %d: %v", t.ID, err)
	}
}

func (q *Queue) retryAt() time.Time {
	return q.now().Add(time.Duration(q.cfg.RetryDelaySeconds) * time.Second)
}

func (q *Queue) deferTask(ctx context.Context, t *forum.GenerationTask, reason string) {
	at := q.retryAt()
	t.Status = forum.StatusDeferred
	t.LastError = reason
	t.ScheduledFor = &at
	if err := q.store.SaveTask(ctx, t); err != nil {
		q.logger.Printf("generation: defer task %d: %v", t.ID, err)
	}
}

const retryPrefix = "(RETRY - avoid repeating existing content) " +
	"Be concise, do not quote the prompt verbatim, and add at least one new, specific observation. "

// reschedule defers a rejected task with a stricter instruction. The attempt
// itself was already counted when the task went to processing.
func (q *Queue) reschedule(ctx context.Context, t *forum.GenerationTask, reason string) {
	payload := make(map[string]any, len(t.Payload)+1)
	for k, v := range t.Payload {
		payload[k] = v
	}
	payload["instruction"] = retryPrefix + t.PayloadString("instruction")
	t.Payload = payload
	q.deferTask(ctx, t, "Rescheduled: "+reason)
}

func payloadInt(p map[string]any, key string) int {
	t := forum.GenerationTask{Payload: p}
	return t.PayloadInt(key, 0)
}
