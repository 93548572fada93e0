package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/observability"
	"session-notify/internal/security"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrPlatformRequired = errors.New("platform id is required")

type SessionConfig struct {
	IdleTimeout time.Duration
	ReadTimeout time.Duration
	// PlatformMaxAge is how long a cached platform name/type is trusted.
	PlatformMaxAge time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout:    2 * time.Hour,
		ReadTimeout:    1500 * time.Millisecond,
		PlatformMaxAge: 10 * time.Minute,
	}
}

// SessionHealth is the health-check view of the session store.
type SessionHealth struct {
	Degraded      bool       `json:"degraded"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
	DegradedSince *time.Time `json:"degraded_since,omitempty"`
}

// SessionManager is the only component that creates, resolves and destroys session
// identities. When the store is unreachable every request resolves as anonymous.
type SessionManager struct {
	store      domain.SessionStore
	audit      domain.AuditWriter
	platforms  domain.PlatformLookup
	terminator domain.ConnectionTerminator
	cfg        SessionConfig
	now        func() time.Time

	// bounds audit writes while the store is down
	auditLimiter *rate.Limiter

	mu     sync.RWMutex
	health SessionHealth
}

func NewSessionManager(store domain.SessionStore, audit domain.AuditWriter, cfg SessionConfig) *SessionManager {
	def := DefaultSessionConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PlatformMaxAge <= 0 {
		cfg.PlatformMaxAge = def.PlatformMaxAge
	}
	return &SessionManager{
		store:        store,
		audit:        audit,
		cfg:          cfg,
		now:          time.Now,
		auditLimiter: rate.NewLimiter(rate.Limit(5), 20),
	}
}

// SetTerminator wires the connection registry that closes sockets of destroyed sessions.
func (m *SessionManager) SetTerminator(t domain.ConnectionTerminator) {
	m.terminator = t
}

// SetPlatformLookup wires the collaborator used by RevalidatePlatform.
func (m *SessionManager) SetPlatformLookup(p domain.PlatformLookup) {
	m.platforms = p
}

func (m *SessionManager) IdleTimeout() time.Duration {
	return m.cfg.IdleTimeout
}

// Create writes a new session. userID may be empty for an anonymous session.
func (m *SessionManager) Create(ctx context.Context, userID string, platform *domain.PlatformContext) (*domain.Session, error) {
	id, err := security.NewSessionID()
	if err != nil {
		return nil, err
	}
	secret, err := security.NewCSRFSecret()
	if err != nil {
		return nil, err
	}

	now := m.now()
	if platform != nil && platform.CachedAt.IsZero() {
		platform.CachedAt = now
	}
	s := &domain.Session{
		ID:             id,
		UserID:         userID,
		Platform:       platform,
		CSRFSecret:     secret,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.IdleTimeout),
	}

	start := time.Now()
	err = m.store.Create(ctx, s)
	m.observe("create", start, err)
	if err != nil {
		m.storeFailure(ctx, s.ID, userID, "create", err)
		return nil, fmt.Errorf("create session: %w", err)
	}

	kind := "anonymous"
	if s.IsAuthenticated() {
		kind = "authenticated"
	}
	observability.SessionsCreated.WithLabelValues(kind).Inc()
	return s, nil
}

// Resolve returns the live session for id and slides its expiry. It returns nil for
// missing, expired or malformed ids and whenever the store cannot answer within the
// read timeout.
func (m *SessionManager) Resolve(ctx context.Context, id string) *domain.Session {
	s, _ := m.Lookup(ctx, id)
	return s
}

// Lookup is Resolve with the reason for a miss. Malformed, missing and expired ids
// yield domain.ErrSessionNotFound; a store that cannot answer yields an error
// wrapping domain.ErrSessionStoreUnavailable.
func (m *SessionManager) Lookup(ctx context.Context, id string) (*domain.Session, error) {
	if !security.ValidSessionID(id) {
		return nil, domain.ErrSessionNotFound
	}

	readCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
	defer cancel()

	start := time.Now()
	s, err := m.store.Touch(readCtx, id, m.cfg.IdleTimeout)
	m.observe("resolve", start, err)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, domain.ErrSessionNotFound):
		return nil, domain.ErrSessionNotFound
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, ctx.Err()
	default:
		m.storeFailure(ctx, id, "", "resolve", err)
		if errors.Is(err, domain.ErrSessionStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrSessionStoreUnavailable, err)
	}
}

// UpdatePlatform replaces the session's platform context in one atomic store operation.
func (m *SessionManager) UpdatePlatform(ctx context.Context, id string, platform *domain.PlatformContext) (*domain.Session, error) {
	if platform == nil || platform.ID == "" {
		return nil, ErrPlatformRequired
	}
	if platform.CachedAt.IsZero() {
		platform.CachedAt = m.now()
	}

	start := time.Now()
	s, err := m.store.UpdatePlatform(ctx, id, platform, m.cfg.IdleTimeout)
	m.observe("update_platform", start, err)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			m.storeFailure(ctx, id, "", "update_platform", err)
		}
		return nil, fmt.Errorf("update platform: %w", err)
	}
	return s, nil
}

// RevalidatePlatform refreshes a stale cached platform before a critical operation.
func (m *SessionManager) RevalidatePlatform(ctx context.Context, s *domain.Session) (*domain.Session, error) {
	if s == nil || s.Platform == nil || m.platforms == nil {
		return s, nil
	}
	if m.now().Sub(s.Platform.CachedAt) < m.cfg.PlatformMaxAge {
		return s, nil
	}

	fresh, err := m.platforms.LookupPlatform(ctx, s.UserID, s.Platform.ID)
	if err != nil {
		return nil, fmt.Errorf("revalidate platform %s: %w", s.Platform.ID, err)
	}
	fresh.ID = s.Platform.ID
	fresh.CachedAt = m.now()
	return m.UpdatePlatform(ctx, s.ID, fresh)
}

// Destroy deletes the session and closes every live connection bound to it. The
// connections are closed even when the store delete fails.
func (m *SessionManager) Destroy(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "logout"
	}

	start := time.Now()
	err := m.store.Delete(ctx, id)
	m.observe("destroy", start, err)

	closed := 0
	if m.terminator != nil {
		closed = m.terminator.CloseSession(id)
	}
	observability.SessionsDestroyed.WithLabelValues(reason).Inc()

	if err != nil {
		m.storeFailure(ctx, id, "", "destroy", err)
		m.writeAudit(ctx, domain.SessionAuditEvent{
			SessionID: id,
			Action:    domain.AuditSessionDestroyed,
			Reason:    reason,
		})
		return fmt.Errorf("destroy session: %w", err)
	}

	slog.Info("session destroyed",
		slog.String("session_id", observability.RedactID(id)),
		slog.String("reason", reason),
		slog.Int("connections_closed", closed))
	return nil
}

// Rotate replaces current with a fresh session for userID, carrying over nothing
// but the platform selection. Used at login to prevent session fixation.
func (m *SessionManager) Rotate(ctx context.Context, current *domain.Session, userID string) (*domain.Session, error) {
	var platform *domain.PlatformContext
	if current != nil && current.Platform != nil && current.UserID == userID {
		p := *current.Platform
		platform = &p
	}

	s, err := m.Create(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if err := m.Destroy(ctx, current.ID, "rotated"); err != nil {
			slog.Warn("failed to destroy previous session after rotation",
				slog.String("session_id", observability.RedactID(current.ID)),
				slog.String("error", err.Error()))
		}
	}
	return s, nil
}

// Ping probes the store and clears the degraded flag once it answers again.
func (m *SessionManager) Ping(ctx context.Context) error {
	start := time.Now()
	err := m.store.Ping(ctx)
	m.observe("ping", start, err)
	if err != nil {
		m.storeFailure(ctx, "", "", "ping", err)
	}
	return err
}

func (m *SessionManager) Health() SessionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

func (m *SessionManager) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil, errors.Is(err, domain.ErrSessionNotFound):
		m.markHealthy()
		if err != nil {
			result = "not_found"
		}
	default:
		result = "error"
	}
	observability.SessionStoreOperations.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func (m *SessionManager) markHealthy() {
	m.mu.RLock()
	degraded := m.health.Degraded
	m.mu.RUnlock()
	if !degraded {
		return
	}

	m.mu.Lock()
	m.health.Degraded = false
	m.health.DegradedSince = nil
	m.mu.Unlock()
	observability.SessionStoreDegraded.Set(0)
	slog.Info("session store recovered")
}

// storeFailure flips the manager into degraded mode and records the failure for
// later reconciliation.
func (m *SessionManager) storeFailure(ctx context.Context, sessionID, userID, op string, err error) {
	now := m.now()

	m.mu.Lock()
	entering := !m.health.Degraded
	m.health.Degraded = true
	m.health.LastError = err.Error()
	m.health.LastErrorAt = &now
	if entering {
		m.health.DegradedSince = &now
	}
	m.mu.Unlock()
	observability.SessionStoreDegraded.Set(1)

	if entering {
		observability.SecurityEvent(ctx, "session_store_degraded",
			slog.String("operation", op),
			slog.String("error", err.Error()))
	} else {
		slog.Warn("session store operation failed",
			slog.String("operation", op),
			slog.String("error", err.Error()))
	}

	m.writeAudit(ctx, domain.SessionAuditEvent{
		SessionID: sessionID,
		UserID:    userID,
		Action:    domain.AuditSessionStoreFailure,
		Reason:    op + ": " + err.Error(),
	})
}

func (m *SessionManager) writeAudit(ctx context.Context, event domain.SessionAuditEvent) {
	if m.audit == nil || !m.auditLimiter.Allow() {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = m.now()
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ReadTimeout)
	defer cancel()
	if err := m.audit.WriteSessionAudit(auditCtx, event); err != nil {
		slog.Error("failed to write session audit",
			slog.String("action", string(event.Action)),
			slog.String("error", err.Error()))
	}
}
