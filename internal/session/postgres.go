package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS autoclip_sessions (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    worker_session_id TEXT,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_autoclip_sessions_status ON autoclip_sessions(status);
`

// PostgresRepository stores sessions as JSONB rows.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens and pings a pool for the given URL.
func ConnectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate creates the sessions table if missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate sessions table: %w", err)
	}
	return nil
}

// MarkInterrupted moves sessions stuck in rendering to error.
func (r *PostgresRepository) MarkInterrupted(ctx context.Context, message string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE autoclip_sessions
		SET status = 'error',
		    data = data || jsonb_build_object('status', 'error', 'error', $1::text, 'updatedAt', now()),
		    updated_at = now()
		WHERE status = 'rendering'`, message)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO autoclip_sessions (id, status, worker_session_id, data, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
	`, s.ID, string(s.Status), s.WorkerSessionID, data, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT data FROM autoclip_sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return decode(data)
}

func (r *PostgresRepository) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var data []byte
	err = tx.QueryRow(ctx, `SELECT data FROM autoclip_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	s, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = time.Now().UTC()

	encoded, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE autoclip_sessions
		SET status = $2, worker_session_id = NULLIF($3, ''), data = $4, updated_at = $5
		WHERE id = $1
	`, id, string(s.Status), s.WorkerSessionID, encoded, s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM autoclip_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT data FROM autoclip_sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		s, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
