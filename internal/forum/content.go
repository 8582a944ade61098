package forum

import (
	"strings"
	"time"
)

type Board struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	Position    int       `json:"position"`
	IsHidden    bool      `json:"is_hidden"`
	CreatedAt   time.Time `json:"created_at"`
}

const CoreBoardSlug = "news-meta"

type Thread struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	AuthorID       int64     `json:"author_id"`
	BoardID        int64     `json:"board_id"`
	Topics         []string  `json:"topics"`
	Heat           float64   `json:"heat"`
	HotScore       float64   `json:"hot_score"`
	Pinned         bool      `json:"pinned"`
	Locked         bool      `json:"locked"`
	IsHidden       bool      `json:"is_hidden"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	// EmptyPersistCount counts consecutive empty completions for the opener.
	EmptyPersistCount int `json:"empty_persist_count"`
}

// Touch moves last activity forward and bumps the hot score, floored at 0.
func (t *Thread) Touch(at time.Time, bump float64) {
	if at.After(t.LastActivityAt) {
		t.LastActivityAt = at
	}
	t.HotScore = max(t.HotScore+bump, 0)
}

type Post struct {
	ID            int64     `json:"id"`
	ThreadID      int64     `json:"thread_id"`
	AuthorID      int64     `json:"author_id"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	TickNumber    int       `json:"tick_number"`
	IsHidden      bool      `json:"is_hidden"`
	IsPlaceholder bool      `json:"is_placeholder"`
}

type PrivateMessage struct {
	ID          int64     `json:"id"`
	SenderID    int64     `json:"sender_id"`
	RecipientID int64     `json:"recipient_id"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sent_at"`
	TickNumber  int       `json:"tick_number"`
}

type ModerationTicket struct {
	ID           int64          `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	ReporterName string         `json:"reporter_name"`
	ThreadID     int64          `json:"thread_id,omitempty"`
	Status       string         `json:"status"`
	Priority     string         `json:"priority"`
	Source       string         `json:"source"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OpenedAt     time.Time      `json:"opened_at"`
}

// LoreEvent is a scheduled event consumed once its tick comes due.
type LoreEvent struct {
	ID            int64          `json:"id"`
	Key           string         `json:"key"`
	Kind          string         `json:"kind"`
	Tick          int            `json:"tick"`
	Meta          map[string]any `json:"meta,omitempty"`
	ProcessedTick int            `json:"processed_tick,omitempty"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
}

const LoreUserJoin = "user_join"

// SessionActivity is one recent visitor session used for activity scaling.
type SessionActivity struct {
	Key             string    `json:"session_key"`
	ActingAsOrganic bool      `json:"acting_as_organic"`
	LastSeen        time.Time `json:"last_seen"`
}

// AuditEntry is a guardrail or operator action kept outside the tick log.
type AuditEntry struct {
	At      time.Time      `json:"at"`
	Tick    int            `json:"tick"`
	Kind    string         `json:"kind"`
	AgentID int64          `json:"agent_id,omitempty"`
	TaskID  int64          `json:"task_id,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Slugify lowercases s and collapses every run of non [a-z0-9] into "-".
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
