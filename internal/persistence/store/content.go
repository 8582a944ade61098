package store

import (
	"context"
	"strings"
	"time"

	"ghostship.forum/internal/forum"
)

// Boards

const boardCols = `id,name,slug,description,position,is_hidden,created_at`

func scanBoard(row scanner) (*forum.Board, error) {
	var (
		b       forum.Board
		created int64
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Slug, &b.Description, &b.Position, &b.IsHidden, &created); err != nil {
		return nil, err
	}
	b.CreatedAt = fromTS(created)
	return &b, nil
}

func (s *SQLite) ListBoards(ctx context.Context) ([]*forum.Board, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+boardCols+` FROM boards ORDER BY position, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) BoardBySlug(ctx context.Context, slug string) (*forum.Board, error) {
	b, err := scanBoard(s.db.QueryRowContext(ctx, `SELECT `+boardCols+` FROM boards WHERE slug=? COLLATE NOCASE`, slug))
	return b, notFound(err)
}

func (s *SQLite) GetBoard(ctx context.Context, id int64) (*forum.Board, error) {
	b, err := scanBoard(s.db.QueryRowContext(ctx, `SELECT `+boardCols+` FROM boards WHERE id=?`, id))
	return b, notFound(err)
}

func (s *SQLite) CreateBoard(ctx context.Context, b *forum.Board) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO boards(name,slug,description,position,is_hidden,created_at) VALUES(?,?,?,?,?,?)`,
		b.Name, b.Slug, b.Description, b.Position, b.IsHidden, ts(b.CreatedAt))
	if err != nil {
		return err
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) SaveBoard(ctx context.Context, b *forum.Board) error {
	res, err := s.db.ExecContext(ctx, `UPDATE boards SET name=?,slug=?,description=?,position=?,is_hidden=? WHERE id=?`,
		b.Name, b.Slug, b.Description, b.Position, b.IsHidden, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return forum.ErrNotFound
	}
	return nil
}

func (s *SQLite) AddModerator(ctx context.Context, boardID, agentID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO board_moderators(board_id,agent_id) VALUES(?,?)`, boardID, agentID)
	return err
}

// Threads

const threadCols = `id,title,author_id,board_id,topics_json,heat,hot_score,pinned,locked,is_hidden,created_at,last_activity_at,empty_persist_count`

func scanThread(row scanner) (*forum.Thread, error) {
	var (
		t                 forum.Thread
		topics            string
		created, activity int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.AuthorID, &t.BoardID, &topics, &t.Heat, &t.HotScore, &t.Pinned, &t.Locked, &t.IsHidden, &created, &activity, &t.EmptyPersistCount); err != nil {
		return nil, err
	}
	fromJSON(topics, &t.Topics)
	t.CreatedAt = fromTS(created)
	t.LastActivityAt = fromTS(activity)
	return &t, nil
}

func (s *SQLite) CreateThread(ctx context.Context, t *forum.Thread) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = t.CreatedAt
	}
	if t.Topics == nil {
		t.Topics = []string{}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO threads(title,author_id,board_id,topics_json,heat,hot_score,pinned,locked,is_hidden,created_at,last_activity_at,empty_persist_count)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Title, t.AuthorID, t.BoardID, mustJSON(t.Topics), t.Heat, t.HotScore, t.Pinned, t.Locked, t.IsHidden,
		ts(t.CreatedAt), ts(t.LastActivityAt), t.EmptyPersistCount)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) GetThread(ctx context.Context, id int64) (*forum.Thread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadCols+` FROM threads WHERE id=?`, id))
	return t, notFound(err)
}

func (s *SQLite) SaveThread(ctx context.Context, t *forum.Thread) error {
	if t.Topics == nil {
		t.Topics = []string{}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET title=?,author_id=?,board_id=?,topics_json=?,heat=?,hot_score=?,pinned=?,locked=?,is_hidden=?,last_activity_at=?,empty_persist_count=? WHERE id=?`,
		t.Title, t.AuthorID, t.BoardID, mustJSON(t.Topics), t.Heat, t.HotScore, t.Pinned, t.Locked, t.IsHidden,
		ts(t.LastActivityAt), t.EmptyPersistCount, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return forum.ErrNotFound
	}
	return nil
}

func (s *SQLite) ListThreads(ctx context.Context, q forum.ThreadQuery) ([]*forum.Thread, error) {
	var (
		where []string
		args  []any
	)
	if q.Unlocked {
		where = append(where, "locked=0")
	}
	if q.Visible {
		where = append(where, "is_hidden=0")
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at>=?")
		args = append(args, ts(q.Since))
	}
	if len(q.ExcludeIDs) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(q.ExcludeIDs)), ",")
		where = append(where, "id NOT IN ("+marks+")")
		for _, id := range q.ExcludeIDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + threadCols + ` FROM threads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.ByHeat {
		query += " ORDER BY pinned DESC, hot_score DESC, last_activity_at DESC, id DESC"
	} else {
		query += " ORDER BY last_activity_at DESC, id DESC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) CountThreadsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE created_at>=?`, ts(since)).Scan(&n)
	return n, err
}

// Posts

const postCols = `id,thread_id,author_id,content,created_at,tick_number,is_hidden,is_placeholder`

func scanPost(row scanner) (*forum.Post, error) {
	var (
		p       forum.Post
		created int64
	)
	if err := row.Scan(&p.ID, &p.ThreadID, &p.AuthorID, &p.Content, &created, &p.TickNumber, &p.IsHidden, &p.IsPlaceholder); err != nil {
		return nil, err
	}
	p.CreatedAt = fromTS(created)
	return &p, nil
}

func (s *SQLite) queryPosts(ctx context.Context, query string, args ...any) ([]*forum.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) CreatePost(ctx context.Context, p *forum.Post) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO posts(thread_id,author_id,content,created_at,tick_number,is_hidden,is_placeholder) VALUES(?,?,?,?,?,?,?)`,
		p.ThreadID, p.AuthorID, p.Content, ts(p.CreatedAt), p.TickNumber, p.IsHidden, p.IsPlaceholder)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) SavePost(ctx context.Context, p *forum.Post) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET content=?,tick_number=?,is_hidden=?,is_placeholder=? WHERE id=?`,
		p.Content, p.TickNumber, p.IsHidden, p.IsPlaceholder, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return forum.ErrNotFound
	}
	return nil
}

func (s *SQLite) ThreadPosts(ctx context.Context, threadID int64) ([]*forum.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postCols+` FROM posts WHERE thread_id=? AND is_hidden=0 ORDER BY created_at, id`, threadID)
}

func (s *SQLite) LastPostInThread(ctx context.Context, threadID int64) (*forum.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, `SELECT `+postCols+` FROM posts WHERE thread_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, threadID))
	return p, notFound(err)
}

func (s *SQLite) LastPostInBoard(ctx context.Context, boardID int64) (*forum.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, `SELECT p.id,p.thread_id,p.author_id,p.content,p.created_at,p.tick_number,p.is_hidden,p.is_placeholder
		FROM posts p JOIN threads t ON t.id=p.thread_id WHERE t.board_id=? ORDER BY p.created_at DESC, p.id DESC LIMIT 1`, boardID))
	return p, notFound(err)
}

func (s *SQLite) PlaceholderFor(ctx context.Context, threadID, authorID int64) (*forum.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, `SELECT `+postCols+` FROM posts WHERE thread_id=? AND author_id=? AND is_placeholder=1 ORDER BY created_at, id LIMIT 1`, threadID, authorID))
	return p, notFound(err)
}

func (s *SQLite) CountPostsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE created_at>=?`, ts(since)).Scan(&n)
	return n, err
}

// Private messages

const pmCols = `id,sender_id,recipient_id,content,sent_at,tick_number`

func scanMessage(row scanner) (*forum.PrivateMessage, error) {
	var (
		m    forum.PrivateMessage
		sent int64
	)
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &sent, &m.TickNumber); err != nil {
		return nil, err
	}
	m.SentAt = fromTS(sent)
	return &m, nil
}

func (s *SQLite) queryMessages(ctx context.Context, query string, args ...any) ([]*forum.PrivateMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.PrivateMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func limitOrAll(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func (s *SQLite) CreateMessage(ctx context.Context, m *forum.PrivateMessage) error {
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO private_messages(sender_id,recipient_id,content,sent_at,tick_number) VALUES(?,?,?,?,?)`,
		m.SenderID, m.RecipientID, m.Content, ts(m.SentAt), m.TickNumber)
	if err != nil {
		return err
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) RecentMessages(ctx context.Context, limit int) ([]*forum.PrivateMessage, error) {
	return s.queryMessages(ctx, `SELECT `+pmCols+` FROM private_messages ORDER BY sent_at DESC, id DESC LIMIT ?`, limitOrAll(limit))
}

func (s *SQLite) Conversation(ctx context.Context, a, b int64, limit int) ([]*forum.PrivateMessage, error) {
	return s.queryMessages(ctx, `SELECT `+pmCols+` FROM private_messages
		WHERE (sender_id=? AND recipient_id=?) OR (sender_id=? AND recipient_id=?)
		ORDER BY sent_at DESC, id DESC LIMIT ?`, a, b, b, a, limitOrAll(limit))
}

func (s *SQLite) MessagesTo(ctx context.Context, recipientID int64, limit int) ([]*forum.PrivateMessage, error) {
	return s.queryMessages(ctx, `SELECT `+pmCols+` FROM private_messages WHERE recipient_id=? ORDER BY sent_at DESC, id DESC LIMIT ?`, recipientID, limitOrAll(limit))
}
