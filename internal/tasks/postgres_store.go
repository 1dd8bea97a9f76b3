package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists tasks in PostgreSQL. The task body is stored as
// JSONB; state and context id are broken out for querying.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed task store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tasks table and indexes. It matches
// migrations/00001_create_tasks.sql.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id          VARCHAR(36) PRIMARY KEY,
			context_id  VARCHAR(255) NOT NULL,
			state       VARCHAR(20) NOT NULL CHECK (state IN ('submitted','working','completed','failed','canceled','rejected')),
			body        JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_context_id ON tasks (context_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks (state, updated_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, t *Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (id, context_id, state, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.ContextID, string(t.Status.State), string(body), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	var (
		body      []byte
		createdAt time.Time
		updatedAt time.Time
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT body, created_at, updated_at FROM tasks WHERE id = $1`, id,
	).Scan(&body, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	t := &Task{}
	if err := json.Unmarshal(body, t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	return t, nil
}

func (p *PostgresStore) Update(ctx context.Context, t *Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := p.db.ExecContext(ctx, `
		UPDATE tasks SET state = $2, body = $3, updated_at = $4
		WHERE id = $1`,
		t.ID, string(t.Status.State), string(body), t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
