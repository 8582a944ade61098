package forum

import "time"

type TaskType string

const (
	TaskThreadStart TaskType = "thread_start"
	TaskReply       TaskType = "reply"
	TaskDM          TaskType = "dm"
)

// Batchable reports whether tasks of this type may share one completion.
func (t TaskType) Batchable() bool { return t == TaskReply || t == TaskDM }

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusDeferred   TaskStatus = "deferred"
)

// GenerationTask is one queued request for generated forum text.
type GenerationTask struct {
	ID           int64          `json:"id"`
	UID          string         `json:"uid"`
	Type         TaskType       `json:"task_type"`
	Status       TaskStatus     `json:"status"`
	AgentID      int64          `json:"agent_id"`
	ThreadID     int64          `json:"thread_id,omitempty"`
	RecipientID  int64          `json:"recipient_id,omitempty"`
	Payload      map[string]any `json:"payload"`
	ResponseText string         `json:"response_text,omitempty"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"last_error,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Due reports whether the task may be picked up at now.
func (t *GenerationTask) Due(now time.Time) bool {
	switch t.Status {
	case StatusPending:
		return t.ScheduledFor == nil || !t.ScheduledFor.After(now)
	case StatusDeferred:
		return t.ScheduledFor != nil && !t.ScheduledFor.After(now)
	}
	return false
}

// NewTask is the request accepted by the generation queue.
type NewTask struct {
	Type        TaskType
	AgentID     int64
	ThreadID    int64
	RecipientID int64
	Payload     map[string]any
}

func (p *GenerationTask) PayloadString(key string) string {
	if p.Payload == nil {
		return ""
	}
	s, _ := p.Payload[key].(string)
	return s
}

// PayloadInt tolerates values decoded from JSON as float64.
func (p *GenerationTask) PayloadInt(key string, def int) int {
	if p.Payload == nil {
		return def
	}
	switch v := p.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (p *GenerationTask) PayloadFloat(key string, def float64) float64 {
	if p.Payload == nil {
		return def
	}
	switch v := p.Payload[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return def
}

func (p *GenerationTask) PayloadBool(key string) bool {
	if p.Payload == nil {
		return false
	}
	b, _ := p.Payload[key].(bool)
	return b
}

func (p *GenerationTask) PayloadStrings(key string) []string {
	if p.Payload == nil {
		return nil
	}
	switch v := p.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (p *GenerationTask) PayloadMap(key string) map[string]any {
	if p.Payload == nil {
		return nil
	}
	m, _ := p.Payload[key].(map[string]any)
	return m
}
