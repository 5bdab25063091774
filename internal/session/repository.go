package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Update and Delete for unknown ids.
var ErrNotFound = errors.New("session not found")

// UpdateFunc mutates a session in place. Returning an error aborts the
// write and leaves the stored record unchanged.
type UpdateFunc func(s *Session) error

// Repository is the single source of truth for sessions. Sessions are
// read and written as whole objects.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	// Get returns nil, nil when the session does not exist.
	Get(ctx context.Context, id string) (*Session, error)
	// Update applies fn to the current record and persists the result
	// atomically, returning the stored copy.
	Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*Session, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Create(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, data, worker_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, string(s.Status), string(data), nullString(s.WorkerSessionID),
		s.CreatedAt.Format(time.RFC3339Nano), s.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Session, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return decode([]byte(data))
}

func (r *SQLiteRepository) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	s, err := decode([]byte(data))
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
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, data = ?, worker_session_id = ?, updated_at = ? WHERE id = ?
	`, string(s.Status), string(encoded), nullString(s.WorkerSessionID), s.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		s, err := decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.Highlights == nil {
		s.Highlights = []Highlight{}
	}
	if s.ApprovedHighlightIndexes == nil {
		s.ApprovedHighlightIndexes = []int{}
	}
	if s.RemovedHighlightIndexes == nil {
		s.RemovedHighlightIndexes = []int{}
	}
	if s.Outputs == nil {
		s.Outputs = []Output{}
	}
	if s.Logs == nil {
		s.Logs = []LogEntry{}
	}
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
