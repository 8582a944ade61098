// Package forumtest provides an in-memory forum.Store for tests.
package forumtest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"ghostship.forum/internal/forum"
)

type Memory struct {
	mu sync.Mutex

	nextID   int64
	agents   map[int64]*forum.Agent
	boards   map[int64]*forum.Board
	mods     map[int64]map[int64]bool
	threads  map[int64]*forum.Thread
	posts    map[int64]*forum.Post
	messages map[int64]*forum.PrivateMessage
	tasks    map[int64]*forum.GenerationTask
	ticks    map[int]*forum.TickRecord
	draws    map[int]*forum.OracleDraw
	lore     map[string]*forum.LoreEvent
	tickets  []*forum.ModerationTicket
	sessions map[string]forum.SessionActivity
	usage    map[string]int
	settings map[string]string

	Audits []forum.AuditEntry
}

var _ forum.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		agents:   map[int64]*forum.Agent{},
		boards:   map[int64]*forum.Board{},
		mods:     map[int64]map[int64]bool{},
		threads:  map[int64]*forum.Thread{},
		posts:    map[int64]*forum.Post{},
		messages: map[int64]*forum.PrivateMessage{},
		tasks:    map[int64]*forum.GenerationTask{},
		ticks:    map[int]*forum.TickRecord{},
		draws:    map[int]*forum.OracleDraw{},
		lore:     map[string]*forum.LoreEvent{},
		sessions: map[string]forum.SessionActivity{},
		usage:    map[string]int{},
		settings: map[string]string{},
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// clone deep-copies through JSON so callers never alias stored rows.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(err)
	}
	return out
}

// Agents

func (m *Memory) ListAgents(ctx context.Context) ([]*forum.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*forum.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, m.agentCopy(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) agentCopy(a *forum.Agent) *forum.Agent {
	c := clone(a)
	c.State.Normalize()
	return c
}

func (m *Memory) GetAgent(ctx context.Context, id int64) (*forum.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return m.agentCopy(a), nil
}

func (m *Memory) AgentByName(ctx context.Context, name string) (*forum.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if strings.EqualFold(a.Name, name) {
			return m.agentCopy(a), nil
		}
	}
	return nil, forum.ErrNotFound
}

func (m *Memory) CreateAgent(ctx context.Context, a *forum.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now().UTC()
	}
	if a.Role == "" {
		a.Role = forum.RoleMember
	}
	if a.OnlineStatus == "" {
		a.OnlineStatus = forum.StatusOffline
	}
	a.State.Normalize()
	m.agents[a.ID] = clone(a)
	return nil
}

func (m *Memory) SaveAgent(ctx context.Context, a *forum.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return forum.ErrNotFound
	}
	a.UpdatedAt = time.Now().UTC()
	m.agents[a.ID] = clone(a)
	return nil
}

// Boards

func (m *Memory) ListBoards(ctx context.Context) ([]*forum.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*forum.Board, 0, len(m.boards))
	for _, b := range m.boards {
		out = append(out, clone(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) BoardBySlug(ctx context.Context, slug string) (*forum.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.boards {
		if strings.EqualFold(b.Slug, slug) {
			return clone(b), nil
		}
	}
	return nil, forum.ErrNotFound
}

func (m *Memory) GetBoard(ctx context.Context, id int64) (*forum.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[id]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return clone(b), nil
}

func (m *Memory) CreateBoard(ctx context.Context, b *forum.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.id()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.boards[b.ID] = clone(b)
	return nil
}

func (m *Memory) SaveBoard(ctx context.Context, b *forum.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boards[b.ID]; !ok {
		return forum.ErrNotFound
	}
	m.boards[b.ID] = clone(b)
	return nil
}

func (m *Memory) AddModerator(ctx context.Context, boardID, agentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mods[boardID] == nil {
		m.mods[boardID] = map[int64]bool{}
	}
	m.mods[boardID][agentID] = true
	return nil
}

// Moderators lists moderator ids of a board.
func (m *Memory) Moderators(boardID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id := range m.mods[boardID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Threads

func (m *Memory) CreateThread(ctx context.Context, t *forum.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.id()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = t.CreatedAt
	}
	m.threads[t.ID] = clone(t)
	return nil
}

func (m *Memory) GetThread(ctx context.Context, id int64) (*forum.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return clone(t), nil
}

func (m *Memory) SaveThread(ctx context.Context, t *forum.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[t.ID]; !ok {
		return forum.ErrNotFound
	}
	m.threads[t.ID] = clone(t)
	return nil
}

func (m *Memory) ListThreads(ctx context.Context, q forum.ThreadQuery) ([]*forum.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exclude := map[int64]bool{}
	for _, id := range q.ExcludeIDs {
		exclude[id] = true
	}
	var out []*forum.Thread
	for _, t := range m.threads {
		if exclude[t.ID] || (q.Unlocked && t.Locked) || (q.Visible && t.IsHidden) {
			continue
		}
		if !q.Since.IsZero() && t.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if q.ByHeat {
			if a.Pinned != b.Pinned {
				return a.Pinned
			}
			if a.HotScore != b.HotScore {
				return a.HotScore > b.HotScore
			}
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID > b.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) CountThreadsSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.threads {
		if !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Posts

func (m *Memory) CreatePost(ctx context.Context, p *forum.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.posts[p.ID] = clone(p)
	return nil
}

func (m *Memory) SavePost(ctx context.Context, p *forum.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[p.ID]; !ok {
		return forum.ErrNotFound
	}
	m.posts[p.ID] = clone(p)
	return nil
}

func (m *Memory) sortedPosts(keep func(*forum.Post) bool) []*forum.Post {
	var out []*forum.Post
	for _, p := range m.posts {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ThreadPosts(ctx context.Context, threadID int64) ([]*forum.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sortedPosts(func(p *forum.Post) bool { return p.ThreadID == threadID && !p.IsHidden })
	out := make([]*forum.Post, len(list))
	for i, p := range list {
		out[i] = clone(p)
	}
	return out, nil
}

func (m *Memory) LastPostInThread(ctx context.Context, threadID int64) (*forum.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sortedPosts(func(p *forum.Post) bool { return p.ThreadID == threadID })
	if len(list) == 0 {
		return nil, forum.ErrNotFound
	}
	return clone(list[len(list)-1]), nil
}

func (m *Memory) LastPostInBoard(ctx context.Context, boardID int64) (*forum.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sortedPosts(func(p *forum.Post) bool {
		t, ok := m.threads[p.ThreadID]
		return ok && t.BoardID == boardID
	})
	if len(list) == 0 {
		return nil, forum.ErrNotFound
	}
	return clone(list[len(list)-1]), nil
}

func (m *Memory) PlaceholderFor(ctx context.Context, threadID, authorID int64) (*forum.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sortedPosts(func(p *forum.Post) bool {
		return p.ThreadID == threadID && p.AuthorID == authorID && p.IsPlaceholder
	})
	if len(list) == 0 {
		return nil, forum.ErrNotFound
	}
	return clone(list[0]), nil
}

func (m *Memory) CountPostsSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.posts {
		if !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Messages

func (m *Memory) CreateMessage(ctx context.Context, pm *forum.PrivateMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm.ID = m.id()
	if pm.SentAt.IsZero() {
		pm.SentAt = time.Now().UTC()
	}
	m.messages[pm.ID] = clone(pm)
	return nil
}

func (m *Memory) messagesWhere(keep func(*forum.PrivateMessage) bool, limit int) []*forum.PrivateMessage {
	var out []*forum.PrivateMessage
	for _, pm := range m.messages {
		if keep(pm) {
			out = append(out, clone(pm))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.After(out[j].SentAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) RecentMessages(ctx context.Context, limit int) ([]*forum.PrivateMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messagesWhere(func(*forum.PrivateMessage) bool { return true }, limit), nil
}

func (m *Memory) Conversation(ctx context.Context, a, b int64, limit int) ([]*forum.PrivateMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messagesWhere(func(pm *forum.PrivateMessage) bool {
		return (pm.SenderID == a && pm.RecipientID == b) || (pm.SenderID == b && pm.RecipientID == a)
	}, limit), nil
}

func (m *Memory) MessagesTo(ctx context.Context, recipientID int64, limit int) ([]*forum.PrivateMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messagesWhere(func(pm *forum.PrivateMessage) bool { return pm.RecipientID == recipientID }, limit), nil
}

// Tasks

func (m *Memory) CreateTask(ctx context.Context, t *forum.GenerationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.id()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id int64) (*forum.GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return clone(t), nil
}

func (m *Memory) SaveTask(ctx context.Context, t *forum.GenerationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return forum.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = clone(t)
	return nil
}

func matchTask(t *forum.GenerationTask, f forum.TaskFilter) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	return f.ThreadID == 0 || t.ThreadID == f.ThreadID
}

func (m *Memory) DueTasks(ctx context.Context, f forum.TaskFilter, now time.Time) ([]*forum.GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*forum.GenerationTask
	for _, t := range m.tasks {
		if matchTask(t, f) && t.Due(now) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountPending(ctx context.Context, f forum.TaskFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if matchTask(t, f) && t.Status == forum.StatusPending {
			n++
		}
	}
	return n, nil
}

// Tasks returns every task ordered by id.
func (m *Memory) Tasks() []*forum.GenerationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*forum.GenerationTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ticks

func (m *Memory) LastTick(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := 0
	for n := range m.ticks {
		last = max(last, n)
	}
	return last, nil
}

func (m *Memory) UpsertTick(ctx context.Context, r *forum.TickRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks[r.Tick] = clone(r)
	return nil
}

func (m *Memory) GetTick(ctx context.Context, tick int) (*forum.TickRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ticks[tick]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return clone(r), nil
}

func (m *Memory) RecentTicks(ctx context.Context, limit int) ([]*forum.TickRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*forum.TickRecord, 0, len(m.ticks))
	for _, r := range m.ticks {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tick > out[j].Tick })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendTickEvents(ctx context.Context, tick int, events []forum.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ticks[tick]
	if !ok {
		return forum.ErrNotFound
	}
	r.Events = append(r.Events, events...)
	m.ticks[tick] = clone(r)
	return nil
}

func (m *Memory) UpsertOracleDraw(ctx context.Context, d *forum.OracleDraw) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draws[d.Tick] = clone(d)
	return nil
}

// OracleDraw returns the stored draw for tick.
func (m *Memory) OracleDraw(tick int) (*forum.OracleDraw, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.draws[tick]
	if !ok {
		return nil, false
	}
	return clone(d), true
}

func (m *Memory) LastSpecialTick(ctx context.Context, kind string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := 0
	for n, d := range m.draws {
		if (kind == "omen" && d.Omen) || (kind == "seance" && d.Seance) {
			last = max(last, n)
		}
	}
	return last, nil
}

// Lore

func (m *Memory) ScheduleLore(ctx context.Context, e *forum.LoreEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.lore[e.Key]; ok {
		e.ID = cur.ID
	} else {
		e.ID = m.id()
	}
	m.lore[e.Key] = clone(e)
	return nil
}

func (m *Memory) ConsumeLore(ctx context.Context, tick int, at time.Time) ([]*forum.LoreEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*forum.LoreEvent
	for _, e := range m.lore {
		if e.ProcessedAt != nil || e.Tick > tick {
			continue
		}
		ts := at
		e.ProcessedAt = &ts
		e.ProcessedTick = tick
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tick != out[j].Tick {
			return out[i].Tick < out[j].Tick
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *Memory) ProcessedLore(ctx context.Context, kind string, tick int) ([]*forum.LoreEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*forum.LoreEvent
	for _, e := range m.lore {
		if e.Kind == kind && e.ProcessedAt != nil && e.ProcessedTick == tick {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Tickets

func (m *Memory) CreateTicket(ctx context.Context, t *forum.ModerationTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.id()
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}
	m.tickets = append(m.tickets, clone(t))
	return nil
}

func (m *Memory) ListTickets(ctx context.Context, limit int) ([]*forum.ModerationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*forum.ModerationTicket
	for i := len(m.tickets) - 1; i >= 0; i-- {
		out = append(out, clone(m.tickets[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Sessions

func (m *Memory) TouchSession(ctx context.Context, s forum.SessionActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Key] = s
	return nil
}

func (m *Memory) SessionsSince(ctx context.Context, since time.Time) ([]forum.SessionActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []forum.SessionActivity
	for _, s := range m.sessions {
		if !s.LastSeen.Before(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Usage and settings

func (m *Memory) UsageOn(ctx context.Context, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[day], nil
}

func (m *Memory) IncrementUsage(ctx context.Context, day string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[day] += n
	return nil
}

func (m *Memory) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *Memory) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) Audit(ctx context.Context, e forum.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Audits = append(m.Audits, e)
	return nil
}

// Posts returns every post ordered by creation.
func (m *Memory) Posts() []*forum.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sortedPosts(func(*forum.Post) bool { return true })
	out := make([]*forum.Post, len(list))
	for i, p := range list {
		out[i] = clone(p)
	}
	return out
}

// Messages returns every private message, newest first.
func (m *Memory) Messages() []*forum.PrivateMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messagesWhere(func(*forum.PrivateMessage) bool { return true }, 0)
}
