package loom

import "github.com/google/uuid"

// NewID generates a globally unique, time-sortable, URL-safe UUIDv7 (RFC 9562).
// Used for agent ids, correlation ids, and request ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
