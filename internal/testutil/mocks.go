// Package testutil provides shared test utilities, mocks, and fixtures
// for testing the session-notify application.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"session-notify/internal/domain"
)

// Common test errors
var (
	ErrMockNotImplemented = errors.New("mock function not implemented")
	ErrMockUnavailable    = errors.New("mock: connection refused")
)

// MockSessionStore implements domain.SessionStore in memory
type MockSessionStore struct {
	mu sync.Mutex

	// Function overrides - set these to customize behavior
	CreateFunc         func(ctx context.Context, session *domain.Session) error
	GetFunc            func(ctx context.Context, id string) (*domain.Session, error)
	TouchFunc          func(ctx context.Context, id string, ttl time.Duration) (*domain.Session, error)
	UpdatePlatformFunc func(ctx context.Context, id string, platform *domain.PlatformContext, ttl time.Duration) (*domain.Session, error)
	DeleteFunc         func(ctx context.Context, id string) error
	PingFunc           func(ctx context.Context) error

	// Now is the clock used for expiry checks
	Now func() time.Time

	Sessions map[string]*domain.Session
}

// NewMockSessionStore creates a new MockSessionStore with initialized maps
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{
		Sessions: make(map[string]*domain.Session),
		Now:      time.Now,
	}
}

// FailWith makes every operation return err, simulating an unreachable store
func (m *MockSessionStore) FailWith(err error) {
	wrapped := errors.Join(domain.ErrSessionStoreUnavailable, err)
	m.CreateFunc = func(context.Context, *domain.Session) error { return wrapped }
	m.GetFunc = func(context.Context, string) (*domain.Session, error) { return nil, wrapped }
	m.TouchFunc = func(context.Context, string, time.Duration) (*domain.Session, error) { return nil, wrapped }
	m.UpdatePlatformFunc = func(context.Context, string, *domain.PlatformContext, time.Duration) (*domain.Session, error) {
		return nil, wrapped
	}
	m.DeleteFunc = func(context.Context, string) error { return wrapped }
	m.PingFunc = func(context.Context) error { return wrapped }
}

func (m *MockSessionStore) Create(ctx context.Context, session *domain.Session) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Sessions[session.ID]; exists {
		return errors.New("session id collision")
	}
	cp := *session
	m.Sessions[session.ID] = &cp
	return nil
}

func (m *MockSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(id)
}

func (m *MockSessionStore) Touch(ctx context.Context, id string, ttl time.Duration) (*domain.Session, error) {
	if m.TouchFunc != nil {
		return m.TouchFunc(ctx, id, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.live(id); err != nil {
		return nil, err
	}
	now := m.Now()
	stored := m.Sessions[id]
	stored.LastActivityAt = now
	stored.ExpiresAt = now.Add(ttl)
	cp := *stored
	return &cp, nil
}

func (m *MockSessionStore) UpdatePlatform(ctx context.Context, id string, platform *domain.PlatformContext, ttl time.Duration) (*domain.Session, error) {
	if m.UpdatePlatformFunc != nil {
		return m.UpdatePlatformFunc(ctx, id, platform, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.live(id); err != nil {
		return nil, err
	}
	now := m.Now()
	stored := m.Sessions[id]
	p := *platform
	stored.Platform = &p
	stored.LastActivityAt = now
	stored.ExpiresAt = now.Add(ttl)
	cp := *stored
	return &cp, nil
}

func (m *MockSessionStore) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, id)
	return nil
}

func (m *MockSessionStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// live must be called with m.mu held
func (m *MockSessionStore) live(id string) (*domain.Session, error) {
	s, ok := m.Sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if s.IsExpired(m.Now()) {
		delete(m.Sessions, id)
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// MockOfflineStore implements domain.OfflineStore in memory
type MockOfflineStore struct {
	mu sync.Mutex

	EnqueueFunc func(ctx context.Context, entry *domain.OfflineEntry) (bool, error)
	PendingFunc func(ctx context.Context, userID string, now time.Time) ([]*domain.OfflineEntry, error)
	RemoveFunc  func(ctx context.Context, userID string, ids ...string) error

	// Entries by user, then notification id
	Entries map[string]map[string]*domain.OfflineEntry
}

// NewMockOfflineStore creates a new MockOfflineStore with initialized maps
func NewMockOfflineStore() *MockOfflineStore {
	return &MockOfflineStore{
		Entries: make(map[string]map[string]*domain.OfflineEntry),
	}
}

func (m *MockOfflineStore) Enqueue(ctx context.Context, entry *domain.OfflineEntry) (bool, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.Entries[entry.UserID]
	if user == nil {
		user = make(map[string]*domain.OfflineEntry)
		m.Entries[entry.UserID] = user
	}
	if _, exists := user[entry.NotificationID]; exists {
		return false, nil
	}
	cp := *entry
	user[entry.NotificationID] = &cp
	return true, nil
}

func (m *MockOfflineStore) Pending(ctx context.Context, userID string, now time.Time) ([]*domain.OfflineEntry, error) {
	if m.PendingFunc != nil {
		return m.PendingFunc(ctx, userID, now)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.OfflineEntry
	for _, e := range m.Entries[userID] {
		if e.Delivered || !e.ExpiresAt.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StoredAt.Equal(out[j].StoredAt) {
			return out[i].NotificationID < out[j].NotificationID
		}
		return out[i].StoredAt.Before(out[j].StoredAt)
	})
	return out, nil
}

func (m *MockOfflineStore) MarkDelivered(ctx context.Context, userID string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if e, ok := m.Entries[userID][id]; ok {
			e.Delivered = true
		}
	}
	return nil
}

func (m *MockOfflineStore) Remove(ctx context.Context, userID string, ids ...string) error {
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, userID, ids...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.Entries[userID], id)
	}
	return nil
}

func (m *MockOfflineStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, user := range m.Entries {
		for id, e := range user {
			if !e.ExpiresAt.After(now) {
				delete(user, id)
				removed++
			}
		}
	}
	return removed, nil
}

// Count returns the number of stored entries for a user, delivered or not
func (m *MockOfflineStore) Count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Entries[userID])
}

// Entry returns a copy of one stored entry
func (m *MockOfflineStore) Entry(userID, notificationID string) (*domain.OfflineEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Entries[userID][notificationID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// MockPresenceStore implements domain.PresenceStore in memory
type MockPresenceStore struct {
	mu sync.Mutex

	ConnectionsFunc func(ctx context.Context, userID string) ([]domain.PresenceEntry, error)

	Entries map[string]map[string]domain.PresenceEntry
}

func NewMockPresenceStore() *MockPresenceStore {
	return &MockPresenceStore{Entries: make(map[string]map[string]domain.PresenceEntry)}
}

func (m *MockPresenceStore) Add(ctx context.Context, userID string, entry domain.PresenceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Entries[userID] == nil {
		m.Entries[userID] = make(map[string]domain.PresenceEntry)
	}
	if entry.SeenAt.IsZero() {
		entry.SeenAt = time.Now()
	}
	m.Entries[userID][entry.ConnectionID] = entry
	return nil
}

func (m *MockPresenceStore) Remove(ctx context.Context, userID string, connectionIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range connectionIDs {
		delete(m.Entries[userID], id)
	}
	if len(m.Entries[userID]) == 0 {
		delete(m.Entries, userID)
	}
	return nil
}

func (m *MockPresenceStore) Connections(ctx context.Context, userID string) ([]domain.PresenceEntry, error) {
	if m.ConnectionsFunc != nil {
		return m.ConnectionsFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PresenceEntry, 0, len(m.Entries[userID]))
	for _, e := range m.Entries[userID] {
		out = append(out, e)
	}
	return out, nil
}

// Held returns the connection ids recorded for userID
func (m *MockPresenceStore) Held(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.Entries[userID]))
	for id := range m.Entries[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MockAuditWriter records session audit events
type MockAuditWriter struct {
	mu sync.Mutex

	WriteFunc func(ctx context.Context, event domain.SessionAuditEvent) error
	Events    []domain.SessionAuditEvent
}

func (m *MockAuditWriter) WriteSessionAudit(ctx context.Context, event domain.SessionAuditEvent) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return nil
}

// GetEvents returns a copy of recorded events
func (m *MockAuditWriter) GetEvents() []domain.SessionAuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SessionAuditEvent, len(m.Events))
	copy(out, m.Events)
	return out
}

// FallbackCall records one SendFallback invocation
type FallbackCall struct {
	UserID         string
	NotificationID string
	Priority       domain.Priority
}

// MockFallbackSender implements domain.FallbackSender
type MockFallbackSender struct {
	mu sync.Mutex

	SendFunc func(ctx context.Context, userID string, n *domain.Notification) error
	Calls    []FallbackCall
}

func (m *MockFallbackSender) SendFallback(ctx context.Context, userID string, n *domain.Notification) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, FallbackCall{UserID: userID, NotificationID: n.ID, Priority: n.Priority})
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, userID, n)
	}
	return nil
}

// GetCalls returns a copy of recorded calls
func (m *MockFallbackSender) GetCalls() []FallbackCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FallbackCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// MockRoleLookup implements domain.RoleLookup from a static map
type MockRoleLookup struct {
	GetRolesFunc func(ctx context.Context, userID string) ([]string, error)
	Roles        map[string][]string
}

func (m *MockRoleLookup) GetRoles(ctx context.Context, userID string) ([]string, error) {
	if m.GetRolesFunc != nil {
		return m.GetRolesFunc(ctx, userID)
	}
	return m.Roles[userID], nil
}

// MockPlatformLookup implements domain.PlatformLookup
type MockPlatformLookup struct {
	LookupFunc func(ctx context.Context, userID, platformID string) (*domain.PlatformContext, error)
}

func (m *MockPlatformLookup) LookupPlatform(ctx context.Context, userID, platformID string) (*domain.PlatformContext, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, userID, platformID)
	}
	return nil, ErrMockNotImplemented
}

// MockTerminator implements domain.ConnectionTerminator
type MockTerminator struct {
	mu     sync.Mutex
	Closed []string
	Count  int
}

func (m *MockTerminator) CloseSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = append(m.Closed, sessionID)
	return m.Count
}

// GetClosed returns a copy of the closed session ids
func (m *MockTerminator) GetClosed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Closed))
	copy(out, m.Closed)
	return out
}

// Delivery is one notification written by MockTransport
type Delivery struct {
	ConnectionID   string
	NotificationID string
	At             time.Time
}

// MockTransport records deliveries and can fail selected connections
type MockTransport struct {
	mu sync.Mutex

	DeliverFunc func(connectionID string, n *domain.Notification) error
	// OnDeliver runs after a successful delivery is recorded, outside the lock
	OnDeliver  func(connectionID string, n *domain.Notification)
	Deliveries []Delivery
}

func (m *MockTransport) Deliver(connectionID string, n *domain.Notification) error {
	if m.DeliverFunc != nil {
		if err := m.DeliverFunc(connectionID, n); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Deliveries = append(m.Deliveries, Delivery{ConnectionID: connectionID, NotificationID: n.ID, At: time.Now()})
	hook := m.OnDeliver
	m.mu.Unlock()
	if hook != nil {
		hook(connectionID, n)
	}
	return nil
}

// GetDeliveries returns a copy of recorded deliveries
func (m *MockTransport) GetDeliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.Deliveries))
	copy(out, m.Deliveries)
	return out
}

// CountFor returns how many times a notification was written to a connection
func (m *MockTransport) CountFor(connectionID, notificationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.Deliveries {
		if d.ConnectionID == connectionID && d.NotificationID == notificationID {
			n++
		}
	}
	return n
}
