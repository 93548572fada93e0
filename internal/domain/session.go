package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrSessionStoreUnavailable = errors.New("session store unavailable")
)

// PlatformContext is the platform connection a user selected for the session.
// Name and Type are a cache and may be stale; revalidate before critical operations.
type PlatformContext struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Type     string    `json:"type,omitempty"`
	CachedAt time.Time `json:"cached_at"`
}

// Session is the server-held record behind the opaque session cookie.
type Session struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id,omitempty"`
	Platform       *PlatformContext `json:"platform,omitempty"`
	CSRFSecret     string           `json:"-"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// IsAuthenticated reports whether the session belongs to a logged-in user.
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.UserID != ""
}

// IsExpired reports whether the session is past its sliding expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SessionSummary is the client-safe view of a session.
type SessionSummary struct {
	Authenticated bool             `json:"authenticated"`
	UserID        string           `json:"user_id,omitempty"`
	Platform      *PlatformContext `json:"platform,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

// Summary returns the client-safe view. A nil session summarises as anonymous.
func (s *Session) Summary() SessionSummary {
	if s == nil {
		return SessionSummary{}
	}
	exp := s.ExpiresAt
	return SessionSummary{
		Authenticated: s.IsAuthenticated(),
		UserID:        s.UserID,
		Platform:      s.Platform,
		ExpiresAt:     &exp,
	}
}

// SessionStore persists sessions in the shared key-value store.
// Mutations are single atomic store operations so that concurrent requests
// from several processes never interleave into a corrupted record.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string, ttl time.Duration) (*Session, error)
	UpdatePlatform(ctx context.Context, id string, platform *PlatformContext, ttl time.Duration) (*Session, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// SessionAuditAction names what happened to a session.
type SessionAuditAction string

const (
	AuditSessionCreated      SessionAuditAction = "created"
	AuditSessionDestroyed    SessionAuditAction = "destroyed"
	AuditSessionRevoked      SessionAuditAction = "revoked"
	AuditSessionStoreFailure SessionAuditAction = "store_failure"
)

// SessionAuditEvent is written to the durable audit trail, mostly while the
// session store is degraded, so operators can reconcile afterwards.
type SessionAuditEvent struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	UserID     string             `json:"user_id,omitempty"`
	Action     SessionAuditAction `json:"action"`
	Reason     string             `json:"reason,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
	Reconciled bool               `json:"reconciled"`
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	SessionID string
	UserID    string
	Action    SessionAuditAction
	Since     *time.Time
	Limit     uint64
}

// AuditRepository is the durable store behind the audit fallback.
type AuditRepository interface {
	Write(ctx context.Context, event SessionAuditEvent) error
	ListUnreconciled(ctx context.Context, filter AuditFilter) ([]SessionAuditEvent, error)
	MarkReconciled(ctx context.Context, ids []string) error
}
