package domain

import (
	"context"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// RoleAdmin gates admin namespaces and the admin API.
const RoleAdmin = "admin"

// RoleLookup resolves a user's roles. Consumed by routing and authorization.
type RoleLookup interface {
	GetRoles(ctx context.Context, userID string) ([]string, error)
}

// AuditWriter records session events while the session store is degraded.
type AuditWriter interface {
	WriteSessionAudit(ctx context.Context, event SessionAuditEvent) error
}

// FallbackSender delivers through an out-of-band channel such as email or SMS.
type FallbackSender interface {
	SendFallback(ctx context.Context, userID string, n *Notification) error
}

// PlatformLookup refreshes the cached name/type of a platform connection.
type PlatformLookup interface {
	LookupPlatform(ctx context.Context, userID, platformID string) (*PlatformContext, error)
}

// Authenticator checks credentials and returns the user id.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// ConnectionTerminator closes every live connection bound to a session.
type ConnectionTerminator interface {
	CloseSession(sessionID string) int
}
