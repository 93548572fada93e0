package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionManager(t *testing.T) (*SessionManager, *testutil.MockSessionStore, *testutil.MockAuditWriter) {
	t.Helper()
	store := testutil.NewMockSessionStore()
	audit := &testutil.MockAuditWriter{}
	m := NewSessionManager(store, audit, SessionConfig{
		IdleTimeout: time.Hour,
		ReadTimeout: 50 * time.Millisecond,
	})
	return m, store, audit
}

func TestSessionManager_CreateAndResolve(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "alice", nil)
	require.NoError(t, err)
	assert.True(t, s.IsAuthenticated())
	assert.NotEmpty(t, s.CSRFSecret)
	assert.WithinDuration(t, s.CreatedAt.Add(time.Hour), s.ExpiresAt, time.Millisecond)
	assert.Contains(t, store.Sessions, s.ID)

	got := m.Resolve(ctx, s.ID)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, s.CSRFSecret, got.CSRFSecret)
	assert.False(t, m.Health().Degraded)
}

func TestSessionManager_CreateAnonymous(t *testing.T) {
	m, _, _ := newTestSessionManager(t)
	s, err := m.Create(context.Background(), "", nil)
	require.NoError(t, err)
	assert.False(t, s.IsAuthenticated())

	other, err := m.Create(context.Background(), "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestSessionManager_ResolveSlidesExpiry(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, "alice", nil)
	require.NoError(t, err)

	later := time.Now().Add(30 * time.Minute)
	store.Now = func() time.Time { return later }

	got := m.Resolve(ctx, s.ID)
	require.NotNil(t, got)
	assert.WithinDuration(t, later.Add(time.Hour), got.ExpiresAt, time.Millisecond)
}

func TestSessionManager_ResolveMissingOrInvalid(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	expired := testutil.NewTestSession(testutil.WithSessionUserID("alice"), testutil.WithExpired())
	store.Sessions[expired.ID] = expired
	unknown := testutil.NewTestSession()

	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"malformed", "not-a-session-id"},
		{"unknown", unknown.ID},
		{"expired", expired.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, m.Resolve(context.Background(), tt.id))
		})
	}
	assert.False(t, m.Health().Degraded)
}

func TestSessionManager_StoreDownResolvesAnonymous(t *testing.T) {
	m, store, audit := newTestSessionManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, "alice", nil)
	require.NoError(t, err)

	store.FailWith(testutil.ErrMockUnavailable)
	assert.Nil(t, m.Resolve(ctx, s.ID))

	health := m.Health()
	assert.True(t, health.Degraded)
	require.NotNil(t, health.DegradedSince)
	assert.Contains(t, health.LastError, "connection refused")

	events := audit.GetEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditSessionStoreFailure, events[0].Action)
	assert.Equal(t, s.ID, events[0].SessionID)
	assert.NotEmpty(t, events[0].ID)

	// recovery clears the flag
	store.TouchFunc = nil
	store.PingFunc = nil
	require.NoError(t, m.Ping(ctx))
	assert.False(t, m.Health().Degraded)
}

func TestSessionManager_LookupReportsWhyItMissed(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	ctx := context.Background()

	_, err := m.Lookup(ctx, "not-a-session-id")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = m.Lookup(ctx, testutil.NewTestSession().ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	store.TouchFunc = func(ctx context.Context, _ string, _ time.Duration) (*domain.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err = m.Lookup(ctx, testutil.NewTestSession().ID)
	assert.ErrorIs(t, err, domain.ErrSessionStoreUnavailable)
	assert.NotErrorIs(t, err, domain.ErrSessionNotFound)

	store.FailWith(testutil.ErrMockUnavailable)
	_, err = m.Lookup(ctx, testutil.NewTestSession().ID)
	assert.ErrorIs(t, err, domain.ErrSessionStoreUnavailable)
}

func TestSessionManager_CreateFailsWhenStoreDown(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	store.FailWith(testutil.ErrMockUnavailable)

	_, err := m.Create(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, domain.ErrSessionStoreUnavailable)
	assert.True(t, m.Health().Degraded)
}

func TestSessionManager_ResolveHonoursReadTimeout(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	store.TouchFunc = func(ctx context.Context, _ string, _ time.Duration) (*domain.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := testutil.NewTestSession()

	start := time.Now()
	assert.Nil(t, m.Resolve(context.Background(), s.ID))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, m.Health().Degraded)
}

func TestSessionManager_ResolveCanceledRequest(t *testing.T) {
	m, store, audit := newTestSessionManager(t)
	store.TouchFunc = func(ctx context.Context, _ string, _ time.Duration) (*domain.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Nil(t, m.Resolve(ctx, testutil.NewTestSession().ID))
	assert.False(t, m.Health().Degraded)
	assert.Empty(t, audit.GetEvents())
}

func TestSessionManager_UpdatePlatform(t *testing.T) {
	m, _, _ := newTestSessionManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, "alice", nil)
	require.NoError(t, err)

	updated, err := m.UpdatePlatform(ctx, s.ID, &domain.PlatformContext{ID: "p-1", Name: "Shop", Type: "shopify"})
	require.NoError(t, err)
	require.NotNil(t, updated.Platform)
	assert.Equal(t, "p-1", updated.Platform.ID)
	assert.False(t, updated.Platform.CachedAt.IsZero())

	got := m.Resolve(ctx, s.ID)
	require.NotNil(t, got)
	assert.Equal(t, "Shop", got.Platform.Name)

	_, err = m.UpdatePlatform(ctx, s.ID, &domain.PlatformContext{})
	assert.ErrorIs(t, err, ErrPlatformRequired)

	_, err = m.UpdatePlatform(ctx, testutil.NewTestSession().ID, &domain.PlatformContext{ID: "p-2"})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.False(t, m.Health().Degraded)
}

func TestSessionManager_RevalidatePlatform(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	ctx := context.Background()
	lookups := 0
	m.SetPlatformLookup(&testutil.MockPlatformLookup{
		LookupFunc: func(_ context.Context, userID, platformID string) (*domain.PlatformContext, error) {
			lookups++
			assert.Equal(t, "alice", userID)
			return &domain.PlatformContext{ID: platformID, Name: "Renamed", Type: "shopify"}, nil
		},
	})

	fresh := testutil.NewTestSession(testutil.WithSessionUserID("alice"), testutil.WithPlatform("p-1", "Shop", time.Now()))
	store.Sessions[fresh.ID] = fresh
	got, err := m.RevalidatePlatform(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "Shop", got.Platform.Name)
	assert.Equal(t, 0, lookups)

	stale := testutil.NewTestSession(testutil.WithSessionUserID("alice"), testutil.WithPlatform("p-1", "Shop", time.Now().Add(-time.Hour)))
	store.Sessions[stale.ID] = stale
	got, err = m.RevalidatePlatform(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Platform.Name)
	assert.Equal(t, 1, lookups)
}

func TestSessionManager_RevalidatePlatformLookupError(t *testing.T) {
	m, _, _ := newTestSessionManager(t)
	m.SetPlatformLookup(&testutil.MockPlatformLookup{})
	stale := testutil.NewTestSession(testutil.WithSessionUserID("alice"), testutil.WithPlatform("p-1", "Shop", time.Now().Add(-time.Hour)))

	_, err := m.RevalidatePlatform(context.Background(), stale)
	assert.ErrorIs(t, err, testutil.ErrMockNotImplemented)
}

func TestSessionManager_DestroyClosesConnections(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	term := &testutil.MockTerminator{Count: 2}
	m.SetTerminator(term)
	ctx := context.Background()

	s, err := m.Create(ctx, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Destroy(ctx, s.ID, "logout"))

	assert.NotContains(t, store.Sessions, s.ID)
	assert.Equal(t, []string{s.ID}, term.GetClosed())
	assert.Nil(t, m.Resolve(ctx, s.ID))
}

func TestSessionManager_DestroyStoreDownStillCloses(t *testing.T) {
	m, store, audit := newTestSessionManager(t)
	term := &testutil.MockTerminator{}
	m.SetTerminator(term)
	store.FailWith(testutil.ErrMockUnavailable)

	id := testutil.NewTestSession().ID
	err := m.Destroy(context.Background(), id, "")
	assert.ErrorIs(t, err, domain.ErrSessionStoreUnavailable)
	assert.Equal(t, []string{id}, term.GetClosed())

	var actions []domain.SessionAuditAction
	for _, e := range audit.GetEvents() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []domain.SessionAuditAction{domain.AuditSessionStoreFailure, domain.AuditSessionDestroyed}, actions)
	assert.Equal(t, "logout", audit.GetEvents()[1].Reason)
}

func TestSessionManager_Rotate(t *testing.T) {
	m, store, _ := newTestSessionManager(t)
	term := &testutil.MockTerminator{}
	m.SetTerminator(term)
	ctx := context.Background()

	anon, err := m.Create(ctx, "", nil)
	require.NoError(t, err)

	rotated, err := m.Rotate(ctx, anon, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, anon.ID, rotated.ID)
	assert.NotEqual(t, anon.CSRFSecret, rotated.CSRFSecret)
	assert.Equal(t, "alice", rotated.UserID)
	assert.Nil(t, rotated.Platform)
	assert.NotContains(t, store.Sessions, anon.ID)
	assert.Equal(t, []string{anon.ID}, term.GetClosed())

	withPlatform, err := m.UpdatePlatform(ctx, rotated.ID, &domain.PlatformContext{ID: "p-1", Name: "Shop"})
	require.NoError(t, err)
	again, err := m.Rotate(ctx, withPlatform, "alice")
	require.NoError(t, err)
	require.NotNil(t, again.Platform)
	assert.Equal(t, "p-1", again.Platform.ID)

	other, err := m.Rotate(ctx, again, "bob")
	require.NoError(t, err)
	assert.Nil(t, other.Platform)
}

func TestSessionManager_AuditWritesAreRateLimited(t *testing.T) {
	m, store, audit := newTestSessionManager(t)
	store.FailWith(errors.New("down"))
	id := testutil.NewTestSession().ID

	for i := 0; i < 100; i++ {
		m.Resolve(context.Background(), id)
	}
	events := audit.GetEvents()
	assert.NotEmpty(t, events)
	assert.Less(t, len(events), 100)
}

func TestSessionManager_AuditWriteFailureIsSwallowed(t *testing.T) {
	m, store, audit := newTestSessionManager(t)
	audit.WriteFunc = func(context.Context, domain.SessionAuditEvent) error {
		return errors.New("postgres down")
	}
	store.FailWith(testutil.ErrMockUnavailable)

	assert.Nil(t, m.Resolve(context.Background(), testutil.NewTestSession().ID))
	assert.True(t, m.Health().Degraded)
}
