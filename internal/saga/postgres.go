// internal/saga/postgres.go
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// postgres stores the journal in PostgreSQL.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a PostgreSQL journal.
// It establishes a connection pool and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
func NewPostgres(ctx context.Context, dsn string) (Journal, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid saga journal DSN: %w", err)
	}

	// The journal sees one or two writes per request step
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &postgres{db: pool}, nil
}

// initSchema creates the journal tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sagas (
			id          TEXT PRIMARY KEY,
			saga_type   TEXT NOT NULL,
			subject     TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'started',
			error       TEXT NOT NULL DEFAULT '',
			started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS saga_steps (
			id          TEXT PRIMARY KEY,
			saga_id     TEXT NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
			step_name   TEXT NOT NULL,
			status      TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		-- Incomplete operations are what operators look for
		CREATE INDEX IF NOT EXISTS idx_sagas_incomplete ON sagas(started_at) WHERE status <> 'completed';
		CREATE INDEX IF NOT EXISTS idx_saga_steps_saga_id ON saga_steps(saga_id);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

func (p *postgres) Begin(ctx context.Context, id, opType, subject string) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO sagas (id, saga_type, subject, status) VALUES ($1, $2, $3, $4)`,
		id, opType, subject, string(StatusStarted))
	return err
}

func (p *postgres) RecordStep(ctx context.Context, id, step string, status StepStatus, detail string) error {
	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO saga_steps (id, saga_id, step_name, status, detail) VALUES ($1, $2, $3, $4, $5)`,
		ulid.Make().String(), id, step, string(status), detail)
	batch.Queue(`UPDATE sagas SET updated_at = NOW() WHERE id = $1`, id)
	return p.db.SendBatch(ctx, batch).Close()
}

func (p *postgres) SetSubject(ctx context.Context, id, subject string) error {
	_, err := p.db.Exec(ctx, `UPDATE sagas SET subject = $2 WHERE id = $1`, id, subject)
	return err
}

func (p *postgres) Finish(ctx context.Context, id string, status Status, detail string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE sagas SET status = $2, error = $3, updated_at = NOW() WHERE id = $1`,
		id, string(status), detail)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	var status string
	err := p.db.QueryRow(ctx,
		`SELECT id, saga_type, subject, status, error, started_at, updated_at FROM sagas WHERE id = $1`, id).
		Scan(&r.ID, &r.Type, &r.Subject, &status, &r.Error, &r.StartedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if r.Steps, err = p.steps(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *postgres) ListIncomplete(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx,
		`SELECT id, saga_type, subject, status, error, started_at, updated_at
		   FROM sagas WHERE status <> $1 ORDER BY started_at, id LIMIT $2`,
		string(StatusCompleted), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.ID, &r.Type, &r.Subject, &status, &r.Error, &r.StartedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Steps, err = p.steps(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *postgres) steps(ctx context.Context, id string) ([]Step, error) {
	rows, err := p.db.Query(ctx,
		`SELECT step_name, status, detail, recorded_at FROM saga_steps WHERE saga_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var status string
		if err := rows.Scan(&st.Name, &status, &st.Detail, &st.At); err != nil {
			return nil, err
		}
		st.Status = StepStatus(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Close shuts down the connection pool.
func (p *postgres) Close() error {
	p.db.Close()
	return nil
}
