// Package postgres implements loom.SessionStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkalens/loom"
)

// Store implements loom.SessionStore backed by PostgreSQL. Messages and
// usage are stored as JSONB columns.
type Store struct {
	pool *pgxpool.Pool
}

var _ loom.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the sessions table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		messages JSONB NOT NULL,
		usage JSONB NOT NULL,
		status TEXT NOT NULL,
		turns INTEGER NOT NULL,
		provider TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

// Save upserts the session under its id.
func (s *Store) Save(ctx context.Context, sess loom.Session) error {
	msgs, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	usage, err := json.Marshal(sess.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO sessions
		(id, messages, usage, status, turns, provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			messages   = EXCLUDED.messages,
			usage      = EXCLUDED.usage,
			status     = EXCLUDED.status,
			turns      = EXCLUDED.turns,
			provider   = EXCLUDED.provider,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, msgs, usage, string(sess.Metadata.Status),
		sess.Metadata.Turns, sess.Metadata.Provider,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Load returns the session, or loom.ErrSessionNotFound.
func (s *Store) Load(ctx context.Context, id string) (loom.Session, error) {
	var (
		msgs, usage          []byte
		status, provider     string
		turns                int
		createdAt, updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT messages, usage, status, turns, provider, created_at, updated_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&msgs, &usage, &status, &turns, &provider, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.Session{}, loom.ErrSessionNotFound
	}
	if err != nil {
		return loom.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}

	sess := loom.Session{
		ID: id,
		Metadata: loom.SessionMetadata{
			Status:   loom.Status(status),
			Turns:    turns,
			Provider: provider,
		},
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if err := json.Unmarshal(msgs, &sess.Messages); err != nil {
		return loom.Session{}, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal(usage, &sess.Usage); err != nil {
		return loom.Session{}, fmt.Errorf("unmarshal usage: %w", err)
	}
	return sess, nil
}

// Delete removes the session. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns metadata for every stored session.
func (s *Store) List(ctx context.Context) (map[string]loom.SessionMetadata, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, status, turns, provider FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]loom.SessionMetadata)
	for rows.Next() {
		var (
			id, status, provider string
			turns                int
		)
		if err := rows.Scan(&id, &status, &turns, &provider); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out[id] = loom.SessionMetadata{
			Status:   loom.Status(status),
			Turns:    turns,
			Provider: provider,
		}
	}
	return out, rows.Err()
}
