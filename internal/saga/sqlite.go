package saga

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sagas (
    id TEXT PRIMARY KEY,
    saga_type TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'started',
    error TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS saga_steps (
    id TEXT PRIMARY KEY,
    saga_id TEXT NOT NULL,
    step_name TEXT NOT NULL,
    status TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    recorded_at TEXT NOT NULL,
    FOREIGN KEY (saga_id) REFERENCES sagas(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status);
CREATE INDEX IF NOT EXISTS idx_saga_steps_saga_id ON saga_steps(saga_id);
`

// sqliteJournal stores the journal in a SQLite database through database/sql.
type sqliteJournal struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) a SQLite journal at path.
// ":memory:" gives a private in-memory database.
func NewSQLite(path string) (Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open saga journal: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply saga schema: %w", err)
	}
	return &sqliteJournal{db: db}, nil
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseStamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *sqliteJournal) Begin(ctx context.Context, id, opType, subject string) error {
	ts := stamp(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sagas (id, saga_type, subject, status, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, opType, subject, StatusStarted, ts, ts)
	return err
}

func (s *sqliteJournal) RecordStep(ctx context.Context, id, step string, status StepStatus, detail string) error {
	ts := stamp(time.Now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO saga_steps (id, saga_id, step_name, status, detail, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), id, step, status, detail, ts); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sagas SET updated_at = ? WHERE id = ?`, ts, id)
	return err
}

func (s *sqliteJournal) SetSubject(ctx context.Context, id, subject string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sagas SET subject = ? WHERE id = ?`, subject, id)
	return err
}

func (s *sqliteJournal) Finish(ctx context.Context, id string, status Status, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sagas SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, detail, stamp(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteJournal) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, saga_type, subject, status, error, started_at, updated_at FROM sagas WHERE id = ?`, id)
	r, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Steps, err = s.steps(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *sqliteJournal) ListIncomplete(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, saga_type, subject, status, error, started_at, updated_at
		   FROM sagas WHERE status <> ? ORDER BY started_at, id LIMIT ?`, StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Steps are loaded after the cursor is closed: the pool holds one connection.
	for i := range out {
		if out[i].Steps, err = s.steps(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteJournal) steps(ctx context.Context, id string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_name, status, detail, recorded_at FROM saga_steps WHERE saga_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var at string
		if err := rows.Scan(&st.Name, &st.Status, &st.Detail, &at); err != nil {
			return nil, err
		}
		st.At = parseStamp(at)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var r Record
	var started, updated string
	if err := scan(&r.ID, &r.Type, &r.Subject, &r.Status, &r.Error, &started, &updated); err != nil {
		return nil, err
	}
	r.StartedAt, r.UpdatedAt = parseStamp(started), parseStamp(updated)
	return &r, nil
}

func (s *sqliteJournal) Close() error { return s.db.Close() }
