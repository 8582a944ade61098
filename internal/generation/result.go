package generation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"ghostship.forum/internal/completion"
	"ghostship.forum/internal/forum"
)

func (q *Queue) maxTokens(t *forum.GenerationTask) int {
	return t.PayloadInt("max_tokens", q.cfg.DefaultMaxTokens)
}

// generate returns a completion for one task. Exhausted quota and empty
// completions fall back to a task-specific placeholder.
func (q *Queue) generate(ctx context.Context, j *job, rng *rand.Rand) completion.Result {
	if q.gen.Remaining(ctx) <= 0 {
		q.logger.Printf("generation: quota exhausted; fallback for task %d", j.task.ID)
		return completion.Result{Text: fallbackForTask(j)}
	}
	prompt, err := q.buildPrompt(ctx, j, rng)
	if err != nil {
		q.logger.Printf("generation: prompt for task %d: %v", j.task.ID, err)
		return completion.Result{Text: fallbackForTask(j), Error: err.Error()}
	}
	res := q.gen.Generate(ctx, completion.Request{
		Prompt:      prompt,
		MaxTokens:   q.maxTokens(j.task),
		Temperature: j.task.PayloadFloat("temperature", q.cfg.Temperature),
	})
	if strings.TrimSpace(res.Text) == "" {
		return completion.Result{Text: fallbackForTask(j), Error: res.Error}
	}
	return res
}

func (q *Queue) generateBatch(ctx context.Context, jobs []*job, rng *rand.Rand) []completion.Result {
	prompt, err := q.buildBatchPrompt(ctx, jobs, rng)
	if err != nil {
		q.logger.Printf("generation: batch prompt: %v", err)
		return nil
	}
	total := 0
	temp := 0.0
	for _, j := range jobs {
		total += q.maxTokens(j.task)
		temp += j.task.PayloadFloat("temperature", q.cfg.Temperature)
	}
	res := q.gen.Generate(ctx, completion.Request{
		Prompt:      prompt,
		MaxTokens:   min(max(total, q.cfg.BatchMinTokens), q.cfg.BatchMaxTokens),
		Temperature: temp / float64(len(jobs)),
	})
	if strings.TrimSpace(res.Text) == "" {
		return nil
	}
	segments := splitBatchOutput(res.Text, len(jobs))
	if segments == nil {
		return nil
	}
	out := make([]completion.Result, len(segments))
	for i, s := range segments {
		out[i] = completion.Result{Success: res.Success, Text: s, Raw: res.Raw}
	}
	return out
}

// handleResult reports whether the task completed.
func (q *Queue) handleResult(ctx context.Context, j *job, res completion.Result) bool {
	content := strings.TrimSpace(res.Text)
	if content == "" {
		q.handleEmpty(ctx, j)
		return false
	}
	placeholder := !res.Success
	content = q.sanitizeMentions(ctx, j.agent, content)

	if !placeholder {
		if ok, reason := q.postProcess(ctx, j, content); !ok {
			q.logger.Printf("generation: rejected task %d: %s", j.task.ID, reason)
			q.reschedule(ctx, j.task, reason)
			return false
		}
	}
	if err := q.persist(ctx, j, content, placeholder); err != nil {
		q.logger.Printf("generation: persist task %d: %v", j.task.ID, err)
		q.deferTask(ctx, j.task, err.Error())
		return false
	}
	if !placeholder {
		if err := q.remember(ctx, j, content); err != nil {
			q.logger.Printf("generation: memory for agent %d: %v", j.agent.ID, err)
		}
	}
	now := q.now()
	j.task.Status = forum.StatusCompleted
	j.task.ScheduledFor = nil
	j.task.ResponseText = content
	j.task.CompletedAt = &now
	if err := q.store.SaveTask(ctx, j.task); err != nil {
		q.logger.Printf("generation: complete task %d: %v", j.task.ID, err)
	}
	return true
}

func (q *Queue) handleEmpty(ctx context.Context, j *job) {
	q.deferTask(ctx, j.task, "Empty response")
	if j.thread == nil {
		return
	}
	j.thread.EmptyPersistCount++
	if err := q.store.SaveThread(ctx, j.thread); err != nil {
		q.logger.Printf("generation: thread %d empty count: %v", j.thread.ID, err)
		return
	}
	count := j.thread.EmptyPersistCount
	if count < q.cfg.EmptyEscalation {
		return
	}
	ticket := &forum.ModerationTicket{
		Title: "Thread needs body: " + j.thread.Title,
		Description: fmt.Sprintf("Thread '%s' had empty generated content %d times. "+
			"Please review and seed a proper opening post.", j.thread.Title, count),
		ReporterName: "system",
		ThreadID:     j.thread.ID,
		Status:       "open",
		Priority:     "normal",
		Source:       "system",
		Tags:         []string{"needs-body"},
		Metadata:     map[string]any{"empty_persist_count": count},
		OpenedAt:     q.now(),
	}
	if err := q.store.CreateTicket(ctx, ticket); err != nil {
		q.logger.Printf("generation: needs-body ticket: %v", err)
	}
}

// persist writes the artifact for an accepted or placeholder result. A
// placeholder post left by an earlier attempt is updated in place.
func (q *Queue) persist(ctx context.Context, j *job, content string, placeholder bool) error {
	tick := j.task.PayloadInt("tick_number", 0)
	switch j.task.Type {
	case forum.TaskThreadStart, forum.TaskReply:
		if j.thread == nil {
			return nil
		}
		existing, err := q.store.PlaceholderFor(ctx, j.thread.ID, j.agent.ID)
		if err != nil && !errors.Is(err, forum.ErrNotFound) {
			return err
		}
		if placeholder {
			if existing != nil {
				existing.Content = content
				existing.TickNumber = tick
				return q.store.SavePost(ctx, existing)
			}
			return q.store.CreatePost(ctx, &forum.Post{
				ThreadID: j.thread.ID, AuthorID: j.agent.ID, Content: content,
				TickNumber: tick, IsPlaceholder: true, CreatedAt: q.now(),
			})
		}
		post := existing
		if post != nil {
			post.Content = content
			post.TickNumber = tick
			post.IsPlaceholder = false
			post.CreatedAt = q.now()
			err = q.store.SavePost(ctx, post)
		} else {
			post = &forum.Post{ThreadID: j.thread.ID, AuthorID: j.agent.ID, Content: content, TickNumber: tick, CreatedAt: q.now()}
			err = q.store.CreatePost(ctx, post)
		}
		if err != nil {
			return err
		}
		if j.task.Type == forum.TaskThreadStart {
			j.thread.Heat = max(j.thread.Heat, 1)
			j.thread.Touch(post.CreatedAt, 1.2)
		} else {
			j.thread.Heat++
			j.thread.Touch(post.CreatedAt, 0.6)
		}
		j.thread.EmptyPersistCount = 0
		return q.store.SaveThread(ctx, j.thread)
	case forum.TaskDM:
		if placeholder || j.recipient == nil {
			return nil
		}
		return q.store.CreateMessage(ctx, &forum.PrivateMessage{
			SenderID: j.agent.ID, RecipientID: j.recipient.ID, Content: content,
			SentAt: q.now(), TickNumber: tick,
		})
	}
	return nil
}

func (q *Queue) remember(ctx context.Context, j *job, content string) error {
	entry := forum.MemoryEntry{
		Tick:    j.task.PayloadInt("tick_number", 0),
		Kind:    string(j.task.Type),
		Summary: truncate(content, 200),
		At:      q.now(),
	}
	j.agent.State.Memory.Remember(entry, j.task.RecipientID, j.task.ThreadID, q.cfg.MemoryMax)
	return q.store.SaveAgent(ctx, j.agent)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
