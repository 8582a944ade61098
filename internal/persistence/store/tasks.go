package store

import (
	"context"
	"database/sql"
	"time"

	"ghostship.forum/internal/forum"
)

const taskCols = `id,uid,task_type,status,agent_id,thread_id,recipient_id,payload_json,response_text,attempts,last_error,scheduled_for,created_at,updated_at,completed_at`

func scanTask(row scanner) (*forum.GenerationTask, error) {
	var (
		t                forum.GenerationTask
		typ, status      string
		payload          string
		scheduled, done  sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.UID, &typ, &status, &t.AgentID, &t.ThreadID, &t.RecipientID, &payload, &t.ResponseText,
		&t.Attempts, &t.LastError, &scheduled, &created, &updated, &done); err != nil {
		return nil, err
	}
	t.Type = forum.TaskType(typ)
	t.Status = forum.TaskStatus(status)
	fromJSON(payload, &t.Payload)
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	t.ScheduledFor = fromNullTS(scheduled)
	t.CreatedAt = fromTS(created)
	t.UpdatedAt = fromTS(updated)
	t.CompletedAt = fromNullTS(done)
	return &t, nil
}

func (s *SQLite) CreateTask(ctx context.Context, t *forum.GenerationTask) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = forum.StatusPending
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO generation_tasks(uid,task_type,status,agent_id,thread_id,recipient_id,payload_json,response_text,attempts,last_error,scheduled_for,created_at,updated_at,completed_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.UID, string(t.Type), string(t.Status), t.AgentID, t.ThreadID, t.RecipientID, mustJSON(t.Payload), t.ResponseText,
		t.Attempts, t.LastError, nullTS(t.ScheduledFor), ts(t.CreatedAt), ts(t.UpdatedAt), nullTS(t.CompletedAt))
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) GetTask(ctx context.Context, id int64) (*forum.GenerationTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM generation_tasks WHERE id=?`, id))
	return t, notFound(err)
}

func (s *SQLite) SaveTask(ctx context.Context, t *forum.GenerationTask) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE generation_tasks SET status=?,thread_id=?,recipient_id=?,payload_json=?,response_text=?,attempts=?,last_error=?,scheduled_for=?,updated_at=?,completed_at=? WHERE id=?`,
		string(t.Status), t.ThreadID, t.RecipientID, mustJSON(t.Payload), t.ResponseText, t.Attempts, t.LastError,
		nullTS(t.ScheduledFor), ts(t.UpdatedAt), nullTS(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return forum.ErrNotFound
	}
	return nil
}

func taskFilterSQL(f forum.TaskFilter) (string, []any) {
	where := ""
	var args []any
	if f.Type != "" {
		where += " AND task_type=?"
		args = append(args, string(f.Type))
	}
	if f.ThreadID != 0 {
		where += " AND thread_id=?"
		args = append(args, f.ThreadID)
	}
	return where, args
}

func (s *SQLite) DueTasks(ctx context.Context, f forum.TaskFilter, now time.Time) ([]*forum.GenerationTask, error) {
	extra, args := taskFilterSQL(f)
	n := ts(now)
	query := `SELECT ` + taskCols + ` FROM generation_tasks
		WHERE ((status='pending' AND (scheduled_for IS NULL OR scheduled_for<=?))
			OR (status='deferred' AND scheduled_for IS NOT NULL AND scheduled_for<=?))` + extra + `
		ORDER BY created_at, id LIMIT ?`
	all := append([]any{n, n}, args...)
	all = append(all, limitOrAll(f.Limit))
	rows, err := s.db.QueryContext(ctx, query, all...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) CountPending(ctx context.Context, f forum.TaskFilter) (int, error) {
	extra, args := taskFilterSQL(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generation_tasks WHERE status='pending'`+extra, args...).Scan(&n)
	return n, err
}
