package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ghostship.forum/internal/forum"
)

const agentCols = `id,name,archetype,role,traits_json,speech_json,state_json,online_status,status_expires_at,last_seen_at,registered_at,updated_at`

func scanAgent(row scanner) (*forum.Agent, error) {
	var (
		a                   forum.Agent
		role                string
		traits, speech, st  string
		expires, lastSeen   sql.NullInt64
		registered, updated int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Archetype, &role, &traits, &speech, &st, &a.OnlineStatus, &expires, &lastSeen, &registered, &updated); err != nil {
		return nil, err
	}
	a.Role = forum.Role(role)
	fromJSON(traits, &a.Traits)
	fromJSON(speech, &a.Speech)
	// A corrupt blob degrades to a fresh state rather than hiding the agent.
	a.State, _ = forum.DecodeState([]byte(st))
	a.StatusExpiresAt = fromNullTS(expires)
	a.LastSeenAt = fromNullTS(lastSeen)
	a.RegisteredAt = fromTS(registered)
	a.UpdatedAt = fromTS(updated)
	return &a, nil
}

func (s *SQLite) ListAgents(ctx context.Context) ([]*forum.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) GetAgent(ctx context.Context, id int64) (*forum.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id))
	return a, notFound(err)
}

func (s *SQLite) AgentByName(ctx context.Context, name string) (*forum.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE name=? COLLATE NOCASE`, name))
	return a, notFound(err)
}

func (s *SQLite) CreateAgent(ctx context.Context, a *forum.Agent) error {
	now := time.Now().UTC()
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = now
	}
	a.UpdatedAt = now
	if a.Role == "" {
		a.Role = forum.RoleMember
	}
	if a.OnlineStatus == "" {
		a.OnlineStatus = forum.StatusOffline
	}
	st, err := forum.EncodeState(a.State)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO agents(name,archetype,role,traits_json,speech_json,state_json,online_status,status_expires_at,last_seen_at,registered_at,updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		a.Name, a.Archetype, string(a.Role), mustJSON(a.Traits), mustJSON(a.Speech), string(st),
		a.OnlineStatus, nullTS(a.StatusExpiresAt), nullTS(a.LastSeenAt), ts(a.RegisteredAt), ts(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.Name, err)
	}
	a.ID, err = res.LastInsertId()
	a.State.Normalize()
	return err
}

func (s *SQLite) SaveAgent(ctx context.Context, a *forum.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	st, err := forum.EncodeState(a.State)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET name=?,archetype=?,role=?,traits_json=?,speech_json=?,state_json=?,online_status=?,status_expires_at=?,last_seen_at=?,updated_at=? WHERE id=?`,
		a.Name, a.Archetype, string(a.Role), mustJSON(a.Traits), mustJSON(a.Speech), string(st),
		a.OnlineStatus, nullTS(a.StatusExpiresAt), nullTS(a.LastSeenAt), ts(a.UpdatedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return forum.ErrNotFound
	}
	return nil
}
