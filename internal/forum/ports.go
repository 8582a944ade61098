package forum

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type AgentRepository interface {
	// ListAgents returns every agent ordered by id.
	ListAgents(ctx context.Context) ([]*Agent, error)
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	// AgentByName matches case-insensitively.
	AgentByName(ctx context.Context, name string) (*Agent, error)
	CreateAgent(ctx context.Context, a *Agent) error
	SaveAgent(ctx context.Context, a *Agent) error
}

type BoardRepository interface {
	// ListBoards orders by position then name.
	ListBoards(ctx context.Context) ([]*Board, error)
	BoardBySlug(ctx context.Context, slug string) (*Board, error)
	GetBoard(ctx context.Context, id int64) (*Board, error)
	CreateBoard(ctx context.Context, b *Board) error
	SaveBoard(ctx context.Context, b *Board) error
	AddModerator(ctx context.Context, boardID, agentID int64) error
}

// ThreadQuery filters thread listings. Zero values mean "any".
type ThreadQuery struct {
	Since      time.Time
	ExcludeIDs []int64
	Unlocked   bool
	Visible    bool
	// ByHeat orders pinned first, then hot score, then last activity; the
	// default is last activity descending.
	ByHeat bool
	Limit  int
}

type ThreadRepository interface {
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id int64) (*Thread, error)
	SaveThread(ctx context.Context, t *Thread) error
	ListThreads(ctx context.Context, q ThreadQuery) ([]*Thread, error)
	CountThreadsSince(ctx context.Context, since time.Time) (int, error)
}

type PostRepository interface {
	CreatePost(ctx context.Context, p *Post) error
	SavePost(ctx context.Context, p *Post) error
	// ThreadPosts returns visible posts oldest first.
	ThreadPosts(ctx context.Context, threadID int64) ([]*Post, error)
	LastPostInThread(ctx context.Context, threadID int64) (*Post, error)
	LastPostInBoard(ctx context.Context, boardID int64) (*Post, error)
	PlaceholderFor(ctx context.Context, threadID, authorID int64) (*Post, error)
	CountPostsSince(ctx context.Context, since time.Time) (int, error)
}

type MessageRepository interface {
	CreateMessage(ctx context.Context, m *PrivateMessage) error
	// RecentMessages returns the newest messages first.
	RecentMessages(ctx context.Context, limit int) ([]*PrivateMessage, error)
	// Conversation returns messages between a and b, newest first.
	Conversation(ctx context.Context, a, b int64, limit int) ([]*PrivateMessage, error)
	// MessagesTo returns messages received by id, newest first.
	MessagesTo(ctx context.Context, recipientID int64, limit int) ([]*PrivateMessage, error)
}

// TaskFilter selects due tasks for a drain cycle.
type TaskFilter struct {
	Limit    int
	Type     TaskType
	ThreadID int64
}

type TaskRepository interface {
	CreateTask(ctx context.Context, t *GenerationTask) error
	GetTask(ctx context.Context, id int64) (*GenerationTask, error)
	SaveTask(ctx context.Context, t *GenerationTask) error
	// DueTasks returns due tasks ordered by creation then id.
	DueTasks(ctx context.Context, f TaskFilter, now time.Time) ([]*GenerationTask, error)
	CountPending(ctx context.Context, f TaskFilter) (int, error)
}

type TickRepository interface {
	// LastTick returns 0 when no tick was recorded yet.
	LastTick(ctx context.Context) (int, error)
	UpsertTick(ctx context.Context, r *TickRecord) error
	GetTick(ctx context.Context, tick int) (*TickRecord, error)
	// RecentTicks returns the newest records first.
	RecentTicks(ctx context.Context, limit int) ([]*TickRecord, error)
	AppendTickEvents(ctx context.Context, tick int, events []Event) error
	UpsertOracleDraw(ctx context.Context, d *OracleDraw) error
	// LastSpecialTick returns the last tick with an omen ("omen") or seance
	// ("seance"), 0 when none.
	LastSpecialTick(ctx context.Context, kind string) (int, error)
}

type LoreRepository interface {
	// ScheduleLore upserts by key.
	ScheduleLore(ctx context.Context, e *LoreEvent) error
	// ConsumeLore marks every unprocessed event with Tick <= tick as
	// processed and returns them ordered by tick then key.
	ConsumeLore(ctx context.Context, tick int, at time.Time) ([]*LoreEvent, error)
	// ProcessedLore returns events of kind consumed at tick.
	ProcessedLore(ctx context.Context, kind string, tick int) ([]*LoreEvent, error)
}

type TicketRepository interface {
	CreateTicket(ctx context.Context, t *ModerationTicket) error
	ListTickets(ctx context.Context, limit int) ([]*ModerationTicket, error)
}

type SessionRepository interface {
	TouchSession(ctx context.Context, s SessionActivity) error
	SessionsSince(ctx context.Context, since time.Time) ([]SessionActivity, error)
}

type UsageRepository interface {
	UsageOn(ctx context.Context, day string) (int, error)
	IncrementUsage(ctx context.Context, day string, n int) error
}

type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Auditor receives guardrail and override audit entries.
type Auditor interface {
	Audit(ctx context.Context, e AuditEntry) error
}

// Store is everything the simulation needs from persistence.
type Store interface {
	AgentRepository
	BoardRepository
	ThreadRepository
	PostRepository
	MessageRepository
	TaskRepository
	TickRepository
	LoreRepository
	TicketRepository
	SessionRepository
	UsageRepository
	SettingsRepository
	Auditor
}

// Auditors fans an entry out to every non-nil auditor, returning the first
// error after trying all of them.
type Auditors []Auditor

func (as Auditors) Audit(ctx context.Context, e AuditEntry) error {
	var first error
	for _, a := range as {
		if a == nil {
			continue
		}
		if err := a.Audit(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
