package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ghostship.forum/internal/forum"
)

const tickCols = `tick,timestamp,events_json,rolls_json,energy,energy_prime,allocation_json,specials_json,decision_trace_json,seed,config_snapshot_json`

func scanTick(row scanner) (*forum.TickRecord, error) {
	var (
		r                                      forum.TickRecord
		at                                     int64
		events, rolls, alloc, specials, dt, cs string
	)
	if err := row.Scan(&r.Tick, &at, &events, &rolls, &r.Energy, &r.EnergyPrime, &alloc, &specials, &dt, &r.Seed, &cs); err != nil {
		return nil, err
	}
	r.Timestamp = fromTS(at)
	fromJSON(events, &r.Events)
	fromJSON(rolls, &r.Rolls)
	fromJSON(alloc, &r.Allocation)
	fromJSON(specials, &r.Specials)
	fromJSON(dt, &r.DecisionTrace)
	fromJSON(cs, &r.ConfigSnapshot)
	return &r, nil
}

func (s *SQLite) LastTick(ctx context.Context) (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(tick) FROM tick_records`).Scan(&n); err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

// UpsertTick replaces the record for r.Tick, so re-running a tick number
// overwrites rather than duplicates.
func (s *SQLite) UpsertTick(ctx context.Context, r *forum.TickRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Events == nil {
		r.Events = []forum.Event{}
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO tick_records(`+tickCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.Tick, ts(r.Timestamp), mustJSON(r.Events), mustJSON(r.Rolls), r.Energy, r.EnergyPrime,
		mustJSON(r.Allocation), mustJSON(r.Specials), mustJSON(r.DecisionTrace), r.Seed, mustJSON(r.ConfigSnapshot))
	if err != nil {
		return fmt.Errorf("upsert tick %d: %w", r.Tick, err)
	}
	return nil
}

func (s *SQLite) GetTick(ctx context.Context, tick int) (*forum.TickRecord, error) {
	r, err := scanTick(s.db.QueryRowContext(ctx, `SELECT `+tickCols+` FROM tick_records WHERE tick=?`, tick))
	return r, notFound(err)
}

func (s *SQLite) RecentTicks(ctx context.Context, limit int) ([]*forum.TickRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tickCols+` FROM tick_records ORDER BY tick DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*forum.TickRecord
	for rows.Next() {
		r, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendTickEvents(ctx context.Context, tick int, events []forum.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT events_json FROM tick_records WHERE tick=?`, tick).Scan(&raw); err != nil {
			return notFound(err)
		}
		var cur []forum.Event
		fromJSON(raw, &cur)
		cur = append(cur, events...)
		_, err := tx.ExecContext(ctx, `UPDATE tick_records SET events_json=? WHERE tick=?`, mustJSON(cur), tick)
		return err
	})
}

func (s *SQLite) UpsertOracleDraw(ctx context.Context, d *forum.OracleDraw) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO oracle_draws(tick,rolls_json,card,energy,energy_prime,omen,seance,alloc_json,seed,created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		d.Tick, mustJSON(d.Rolls), d.Card, d.Energy, d.EnergyPrime, d.Omen, d.Seance, mustJSON(d.Alloc), d.Seed, ts(d.CreatedAt))
	return err
}

func (s *SQLite) LastSpecialTick(ctx context.Context, kind string) (int, error) {
	col := ""
	switch kind {
	case "omen":
		col = "omen"
	case "seance":
		col = "seance"
	default:
		return 0, fmt.Errorf("unknown special kind %q", kind)
	}
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(tick) FROM oracle_draws WHERE `+col+`=1`).Scan(&n); err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}
