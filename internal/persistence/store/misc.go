package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ghostship.forum/internal/forum"
)

// Lore events

const loreCols = `id,key,kind,tick,meta_json,processed_tick,processed_at`

func scanLore(row scanner) (*forum.LoreEvent, error) {
	var (
		e    forum.LoreEvent
		meta string
		at   sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Key, &e.Kind, &e.Tick, &meta, &e.ProcessedTick, &at); err != nil {
		return nil, err
	}
	fromJSON(meta, &e.Meta)
	e.ProcessedAt = fromNullTS(at)
	return &e, nil
}

func (s *SQLite) ScheduleLore(ctx context.Context, e *forum.LoreEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO lore_events(key,kind,tick,meta_json,processed_tick,processed_at) VALUES(?,?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET kind=excluded.kind, tick=excluded.tick, meta_json=excluded.meta_json,
			processed_tick=excluded.processed_tick, processed_at=excluded.processed_at`,
		e.Key, e.Kind, e.Tick, mustJSON(e.Meta), e.ProcessedTick, nullTS(e.ProcessedAt))
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `SELECT id FROM lore_events WHERE key=?`, e.Key).Scan(&e.ID)
}

// ConsumeLore claims due events inside one transaction so each is handed
// out exactly once.
func (s *SQLite) ConsumeLore(ctx context.Context, tick int, at time.Time) ([]*forum.LoreEvent, error) {
	var out []*forum.LoreEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+loreCols+` FROM lore_events WHERE processed_at IS NULL AND tick<=? ORDER BY tick, key`, tick)
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanLore(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, e)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, e := range out {
			if _, err := tx.ExecContext(ctx, `UPDATE lore_events SET processed_tick=?, processed_at=? WHERE id=?`, tick, ts(at), e.ID); err != nil {
				return err
			}
			stamp := at.UTC()
			e.ProcessedAt = &stamp
			e.ProcessedTick = tick
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) ProcessedLore(ctx context.Context, kind string, tick int) ([]*forum.LoreEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loreCols+` FROM lore_events WHERE kind=? AND processed_tick=? AND processed_at IS NOT NULL ORDER BY key`, kind, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.LoreEvent
	for rows.Next() {
		e, err := scanLore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Moderation tickets

func (s *SQLite) CreateTicket(ctx context.Context, t *forum.ModerationTicket) error {
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO moderation_tickets(title,description,reporter_name,thread_id,status,priority,source,tags_json,metadata_json,opened_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.Title, t.Description, t.ReporterName, t.ThreadID, t.Status, t.Priority, t.Source, mustJSON(t.Tags), mustJSON(t.Metadata), ts(t.OpenedAt))
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) ListTickets(ctx context.Context, limit int) ([]*forum.ModerationTicket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,title,description,reporter_name,thread_id,status,priority,source,tags_json,metadata_json,opened_at
		FROM moderation_tickets ORDER BY id DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.ModerationTicket
	for rows.Next() {
		var (
			t          forum.ModerationTicket
			tags, meta string
			opened     int64
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.ReporterName, &t.ThreadID, &t.Status, &t.Priority, &t.Source, &tags, &meta, &opened); err != nil {
			return nil, err
		}
		fromJSON(tags, &t.Tags)
		fromJSON(meta, &t.Metadata)
		t.OpenedAt = fromTS(opened)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Sessions

func (s *SQLite) TouchSession(ctx context.Context, a forum.SessionActivity) error {
	if a.LastSeen.IsZero() {
		a.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO session_activity(session_key,acting_as_organic,last_seen) VALUES(?,?,?)`,
		a.Key, a.ActingAsOrganic, ts(a.LastSeen))
	return err
}

func (s *SQLite) SessionsSince(ctx context.Context, since time.Time) ([]forum.SessionActivity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key,acting_as_organic,last_seen FROM session_activity WHERE last_seen>=? ORDER BY session_key`, ts(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []forum.SessionActivity
	for rows.Next() {
		var (
			a    forum.SessionActivity
			seen int64
		)
		if err := rows.Scan(&a.Key, &a.ActingAsOrganic, &seen); err != nil {
			return nil, err
		}
		a.LastSeen = fromTS(seen)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Usage

func (s *SQLite) UsageOn(ctx context.Context, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT request_count FROM usage WHERE day=?`, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *SQLite) IncrementUsage(ctx context.Context, day string, n int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage(day,request_count) VALUES(?,?)
		ON CONFLICT(day) DO UPDATE SET request_count=request_count+excluded.request_count`, day, n)
	return err
}

// Settings

func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO settings(key,value) VALUES(?,?)`, key, value)
	return err
}

// Audit

func (s *SQLite) Audit(ctx context.Context, e forum.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audits(at,tick,kind,agent_id,task_id,actor,details_json) VALUES(?,?,?,?,?,?,?)`,
		ts(e.At), e.Tick, e.Kind, e.AgentID, e.TaskID, e.Actor, mustJSON(e.Details))
	return err
}

// AuditCount returns how many audit rows of kind exist.
func (s *SQLite) AuditCount(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audits WHERE kind=?`, kind).Scan(&n)
	return n, err
}
