package loom

import "context"

// SessionStore persists exported sessions. Implementations live in
// store/sqlite and store/postgres; any keyed blob store can satisfy it.
type SessionStore interface {
	// Save upserts the session under its id.
	Save(ctx context.Context, s Session) error
	// Load returns the session, or ErrSessionNotFound.
	Load(ctx context.Context, id string) (Session, error)
	// Delete removes the session. Missing ids are not an error.
	Delete(ctx context.Context, id string) error
	// List returns metadata for every stored session, keyed by id.
	List(ctx context.Context) (map[string]SessionMetadata, error)
}
