package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConnectionUnauthorized = errors.New("connection unauthorized")
	ErrConnectionNotFound     = errors.New("connection not found")
)

// Connection is one live real-time channel held by this process.
type Connection struct {
	ID          string    `json:"connection_id"`
	SessionID   string    `json:"-"`
	UserID      string    `json:"user_id,omitempty"`
	Namespace   string    `json:"namespace"`
	Rooms       []string  `json:"rooms,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// PresenceEntry is one live connection as recorded in the shared presence store.
type PresenceEntry struct {
	ConnectionID string
	InstanceID   string
	Namespace    string
	SeenAt       time.Time
}

// PresenceStore tracks which users hold a live connection on any process.
// Add doubles as the heartbeat; entries not refreshed within the store's TTL
// are no longer reported by Connections.
type PresenceStore interface {
	Add(ctx context.Context, userID string, entry PresenceEntry) error
	Remove(ctx context.Context, userID string, connectionIDs ...string) error
	Connections(ctx context.Context, userID string) ([]PresenceEntry, error)
}
