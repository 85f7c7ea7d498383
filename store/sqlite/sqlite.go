// Package sqlite implements loom.SessionStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkalens/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.SessionStore backed by a local SQLite file.
// Messages and usage are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.SessionStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: session store opened", "path", dbPath)
	return s
}

// Init creates the sessions table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		messages TEXT NOT NULL,
		usage TEXT NOT NULL,
		status TEXT NOT NULL,
		turns INTEGER NOT NULL,
		provider TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

// Save upserts the session under its id.
func (s *Store) Save(ctx context.Context, sess loom.Session) error {
	start := time.Now()
	msgs, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	usage, err := json.Marshal(sess.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, messages, usage, status, turns, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			messages   = excluded.messages,
			usage      = excluded.usage,
			status     = excluded.status,
			turns      = excluded.turns,
			provider   = excluded.provider,
			updated_at = excluded.updated_at`,
		sess.ID, string(msgs), string(usage), string(sess.Metadata.Status),
		sess.Metadata.Turns, sess.Metadata.Provider,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	s.logger.Debug("sqlite: session saved", "id", sess.ID, "messages", len(sess.Messages), "took", time.Since(start))
	return nil
}

// Load returns the session, or loom.ErrSessionNotFound.
func (s *Store) Load(ctx context.Context, id string) (loom.Session, error) {
	var (
		msgs, usage, status, provider string
		turns                         int
		createdAt, updatedAt          int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, usage, status, turns, provider, created_at, updated_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&msgs, &usage, &status, &turns, &provider, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
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
		CreatedAt: time.UnixMilli(createdAt),
		UpdatedAt: time.UnixMilli(updatedAt),
	}
	if err := json.Unmarshal([]byte(msgs), &sess.Messages); err != nil {
		return loom.Session{}, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(usage), &sess.Usage); err != nil {
		return loom.Session{}, fmt.Errorf("unmarshal usage: %w", err)
	}
	return sess, nil
}

// Delete removes the session. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns metadata for every stored session.
func (s *Store) List(ctx context.Context) (map[string]loom.SessionMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, turns, provider FROM sessions`)
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

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
