package testutil

import (
	"fmt"
	"sync/atomic"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/security"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// SessionOptions allows customizing session fixture creation
type SessionOptions struct {
	ID        string
	UserID    string
	Platform  *domain.PlatformContext
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTestSession creates a session with a well-formed id and a two hour expiry
func NewTestSession(opts ...func(*SessionOptions)) *domain.Session {
	id, err := security.NewSessionID()
	if err != nil {
		panic(err)
	}
	secret, err := security.NewCSRFSecret()
	if err != nil {
		panic(err)
	}

	o := &SessionOptions{
		ID:        id,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.ExpiresAt.IsZero() {
		o.ExpiresAt = o.CreatedAt.Add(2 * time.Hour)
	}

	return &domain.Session{
		ID:             o.ID,
		UserID:         o.UserID,
		Platform:       o.Platform,
		CSRFSecret:     secret,
		CreatedAt:      o.CreatedAt,
		LastActivityAt: o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
	}
}

// Session option functions

// WithSessionID sets the session ID
func WithSessionID(id string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.ID = id
	}
}

// WithSessionUserID makes the session authenticated
func WithSessionUserID(userID string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.UserID = userID
	}
}

// WithPlatform sets the selected platform
func WithPlatform(id, name string, cachedAt time.Time) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.Platform = &domain.PlatformContext{ID: id, Name: name, CachedAt: cachedAt}
	}
}

// WithExpiresAt sets the expiration time
func WithExpiresAt(t time.Time) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.ExpiresAt = t
	}
}

// WithExpired sets the session to be already expired
func WithExpired() func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.ExpiresAt = time.Now().Add(-time.Minute)
	}
}

// NotificationOptions allows customizing notification fixture creation
type NotificationOptions struct {
	ID          string
	Type        domain.NotificationType
	Priority    domain.Priority
	Title       string
	Message     string
	Target      domain.Target
	RequiresAck bool
	CreatedAt   time.Time
}

// NewTestNotification creates a NORMAL info notification for user-1
func NewTestNotification(opts ...func(*NotificationOptions)) *domain.Notification {
	o := &NotificationOptions{
		ID:       nextID("notif"),
		Type:     domain.NotificationInfo,
		Priority: domain.PriorityNormal,
		Title:    "Test",
		Message:  "test notification",
		Target:   domain.Target{UserIDs: []string{"user-1"}},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	return &domain.Notification{
		ID:             o.ID,
		Type:           o.Type,
		Priority:       o.Priority,
		Title:          o.Title,
		Message:        o.Message,
		Target:         o.Target,
		RequiresAck:    o.RequiresAck,
		CreatedAt:      o.CreatedAt,
		DeliveryStatus: domain.StatusPending,
	}
}

// Notification option functions

// WithNotificationID sets the notification ID
func WithNotificationID(id string) func(*NotificationOptions) {
	return func(o *NotificationOptions) {
		o.ID = id
	}
}

// WithPriority sets the priority
func WithPriority(p domain.Priority) func(*NotificationOptions) {
	return func(o *NotificationOptions) {
		o.Priority = p
	}
}

// WithType sets the notification type
func WithType(t domain.NotificationType) func(*NotificationOptions) {
	return func(o *NotificationOptions) {
		o.Type = t
	}
}

// WithTarget replaces the target
func WithTarget(t domain.Target) func(*NotificationOptions) {
	return func(o *NotificationOptions) {
		o.Target = t
	}
}

// ToUsers targets the given user ids
func ToUsers(ids ...string) func(*NotificationOptions) {
	return func(o *NotificationOptions) {
		o.Target = domain.Target{UserIDs: ids}
	}
}

// WithRequiresAck marks the notification as needing acknowledgment
func WithRequiresAck() func(*NotificationOptions) {
	return func(o *NotificationOptions) {
		o.RequiresAck = true
	}
}

// ConnectionOptions allows customizing connection fixture creation
type ConnectionOptions struct {
	ID        string
	SessionID string
	UserID    string
	Namespace string
}

// NewTestConnection creates a connection on /notifications
func NewTestConnection(opts ...func(*ConnectionOptions)) domain.Connection {
	o := &ConnectionOptions{
		ID:        nextID("conn"),
		SessionID: nextID("session"),
		Namespace: "/notifications",
	}
	for _, opt := range opts {
		opt(o)
	}
	return domain.Connection{
		ID:          o.ID,
		SessionID:   o.SessionID,
		UserID:      o.UserID,
		Namespace:   o.Namespace,
		ConnectedAt: time.Now(),
	}
}

// Connection option functions

// WithConnectionID sets the connection ID
func WithConnectionID(id string) func(*ConnectionOptions) {
	return func(o *ConnectionOptions) {
		o.ID = id
	}
}

// WithConnectionUser sets the owning user
func WithConnectionUser(userID string) func(*ConnectionOptions) {
	return func(o *ConnectionOptions) {
		o.UserID = userID
	}
}

// WithConnectionSession sets the owning session
func WithConnectionSession(sessionID string) func(*ConnectionOptions) {
	return func(o *ConnectionOptions) {
		o.SessionID = sessionID
	}
}

// WithNamespace sets the namespace
func WithNamespace(ns string) func(*ConnectionOptions) {
	return func(o *ConnectionOptions) {
		o.Namespace = ns
	}
}

// ResetIDCounter resets the ID counter (useful for deterministic tests)
func ResetIDCounter() {
	idCounter.Store(0)
}
