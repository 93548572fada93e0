package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry resolves targets against a fixed connection list.
type fakeRegistry struct {
	conns []domain.Connection
	rooms map[string][]string // room -> connection ids
}

func (r *fakeRegistry) ConnectionsFor(target domain.Target) []domain.Connection {
	var out []domain.Connection
	for _, c := range r.conns {
		if target.Namespace != "" && c.Namespace != target.Namespace {
			continue
		}
		switch {
		case len(target.UserIDs) > 0:
			if contains(target.UserIDs, c.UserID) {
				out = append(out, c)
			}
		case target.Room != "":
			if contains(r.rooms[target.Room], c.ID) {
				out = append(out, c)
			}
		default:
			if !contains(target.ExcludeUsers, c.UserID) {
				out = append(out, c)
			}
		}
	}
	return out
}

func (r *fakeRegistry) OnlineUsers(namespace string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range r.conns {
		if c.UserID == "" || seen[c.UserID] || (namespace != "" && c.Namespace != namespace) {
			continue
		}
		seen[c.UserID] = true
		out = append(out, c.UserID)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type fakeBus struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (b *fakeBus) Publish(_ context.Context, n *domain.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, n.ID)
	return b.err
}

type routerFixture struct {
	router    *Router
	registry  *fakeRegistry
	transport *testutil.MockTransport
	store     *testutil.MockOfflineStore
	tracker   *Tracker
	queue     *OfflineQueue
}

func newRouterFixture(t *testing.T, conns ...domain.Connection) *routerFixture {
	t.Helper()
	f := &routerFixture{
		registry:  &fakeRegistry{conns: conns, rooms: map[string][]string{}},
		transport: &testutil.MockTransport{},
		store:     testutil.NewMockOfflineStore(),
	}
	f.queue = NewOfflineQueue(f.store)
	f.tracker = NewTracker(f.transport, f.queue, &testutil.MockFallbackSender{}, DefaultTrackerConfig())
	t.Cleanup(f.tracker.Close)
	f.router = NewRouter(f.registry, f.tracker, f.queue, &testutil.MockRoleLookup{Roles: map[string][]string{
		"alice": {"admin"},
		"bob":   {"viewer"},
	}})
	return f
}

func TestRouter_OnlineUserGetsAttempt(t *testing.T) {
	conn := testutil.NewTestConnection(testutil.WithConnectionUser("alice"))
	f := newRouterFixture(t, conn)
	n := testutil.NewTestNotification(testutil.ToUsers("alice"), testutil.WithRequiresAck())

	ids, err := f.router.Route(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, []string{conn.ID}, ids)
	assert.Equal(t, 1, f.transport.CountFor(conn.ID, n.ID))
	assert.Equal(t, 0, f.store.Count("alice"))

	status, err := f.tracker.Status(n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAttempted, status)
}

func TestRouter_OfflineUserIsQueuedOnce(t *testing.T) {
	f := newRouterFixture(t)
	n := testutil.NewTestNotification(testutil.ToUsers("carol", "carol"))

	ids, err := f.router.Route(context.Background(), n)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, f.transport.GetDeliveries())
	assert.Equal(t, 1, f.store.Count("carol"))

	_, err = f.tracker.Status(n.ID)
	assert.ErrorIs(t, err, domain.ErrNotificationUnknown)
}

func TestRouter_MixedOnlineAndOffline(t *testing.T) {
	conn := testutil.NewTestConnection(testutil.WithConnectionUser("alice"))
	f := newRouterFixture(t, conn)
	n := testutil.NewTestNotification(testutil.ToUsers("alice", "carol"))

	ids, err := f.router.Route(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, []string{conn.ID}, ids)
	assert.Equal(t, 0, f.store.Count("alice"))
	assert.Equal(t, 1, f.store.Count("carol"))
}

func TestRouter_CriticalOfflineRetentionAndFlush(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	start := time.Now()
	clock := start
	f.queue.now = func() time.Time { return clock }

	normal := testutil.NewTestNotification(testutil.WithNotificationID("n-normal"), testutil.ToUsers("carol"))
	_, err := f.router.Route(ctx, normal)
	require.NoError(t, err)

	clock = start.Add(time.Second)
	critical := testutil.NewTestNotification(
		testutil.WithNotificationID("n-critical"),
		testutil.WithPriority(domain.PriorityCritical),
		testutil.ToUsers("carol"))
	_, err = f.router.Route(ctx, critical)
	require.NoError(t, err)

	entry, ok := f.store.Entry("carol", "n-critical")
	require.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, entry.ExpiresAt.Sub(entry.StoredAt))

	// two days later only the critical entry is still queued
	clock = start.Add(48 * time.Hour)
	conn := testutil.NewTestConnection(testutil.WithConnectionUser("carol"))
	f.registry.conns = append(f.registry.conns, conn)

	flushed, err := f.router.FlushOffline(ctx, conn)
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	assert.Equal(t, "n-critical", flushed[0].ID)
	assert.Equal(t, 1, f.transport.CountFor(conn.ID, "n-critical"))
	assert.Equal(t, 0, f.transport.CountFor(conn.ID, "n-normal"))
}

func TestRouter_FlushOfflineOldestFirst(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	start := time.Now()
	clock := start
	f.queue.now = func() time.Time { return clock }

	for i, id := range []string{"first", "second", "third"} {
		clock = start.Add(time.Duration(i) * time.Minute)
		_, err := f.router.Route(ctx, testutil.NewTestNotification(testutil.WithNotificationID(id), testutil.ToUsers("carol")))
		require.NoError(t, err)
	}

	conn := testutil.NewTestConnection(testutil.WithConnectionUser("carol"))
	flushed, err := f.router.FlushOffline(ctx, conn)
	require.NoError(t, err)
	require.Len(t, flushed, 3)

	deliveries := f.transport.GetDeliveries()
	require.Len(t, deliveries, 3)
	assert.Equal(t, "first", deliveries[0].NotificationID)
	assert.Equal(t, "second", deliveries[1].NotificationID)
	assert.Equal(t, "third", deliveries[2].NotificationID)
	assert.Equal(t, 0, f.store.Count("carol"))
}

func TestRouter_FlushOfflineAnonymousIsNoop(t *testing.T) {
	f := newRouterFixture(t)
	flushed, err := f.router.FlushOffline(context.Background(), testutil.NewTestConnection())
	require.NoError(t, err)
	assert.Nil(t, flushed)
}

func TestRouter_RolesTarget(t *testing.T) {
	alice := testutil.NewTestConnection(testutil.WithConnectionUser("alice"))
	bob := testutil.NewTestConnection(testutil.WithConnectionUser("bob"))
	anon := testutil.NewTestConnection()
	f := newRouterFixture(t, alice, bob, anon)

	n := testutil.NewTestNotification(testutil.WithTarget(domain.Target{Roles: []string{"admin"}}))
	ids, err := f.router.Route(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID}, ids)
	assert.Equal(t, 0, f.transport.CountFor(bob.ID, n.ID))
	assert.Equal(t, 0, f.store.Count("bob"))
}

func TestRouter_RolesLookupFailureSkipsUser(t *testing.T) {
	alice := testutil.NewTestConnection(testutil.WithConnectionUser("alice"))
	f := newRouterFixture(t, alice)
	f.router.roles = &testutil.MockRoleLookup{GetRolesFunc: func(context.Context, string) ([]string, error) {
		return nil, errors.New("directory down")
	}}

	ids, err := f.router.Route(context.Background(),
		testutil.NewTestNotification(testutil.WithTarget(domain.Target{Roles: []string{"admin"}})))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRouter_RolesWithoutLookup(t *testing.T) {
	f := newRouterFixture(t)
	f.router.roles = nil
	_, err := f.router.Route(context.Background(),
		testutil.NewTestNotification(testutil.WithTarget(domain.Target{Roles: []string{"admin"}})))
	assert.ErrorIs(t, err, domain.ErrTargetUnresolvable)
}

func TestRouter_BroadcastExcludes(t *testing.T) {
	alice := testutil.NewTestConnection(testutil.WithConnectionUser("alice"))
	bob := testutil.NewTestConnection(testutil.WithConnectionUser("bob"))
	f := newRouterFixture(t, alice, bob)

	n := testutil.NewTestNotification(testutil.WithTarget(domain.Target{Broadcast: true, ExcludeUsers: []string{"bob"}}))
	ids, err := f.router.Route(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID}, ids)
}

func TestRouter_RoomTarget(t *testing.T) {
	alice := testutil.NewTestConnection(testutil.WithConnectionUser("alice"))
	f := newRouterFixture(t, alice)
	f.registry.rooms["ops"] = []string{alice.ID}

	n := testutil.NewTestNotification(testutil.WithTarget(domain.Target{Namespace: "/notifications", Room: "ops"}))
	ids, err := f.router.Route(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID}, ids)
}

func TestRouter_UnknownRoomIsUnresolvable(t *testing.T) {
	f := newRouterFixture(t)
	n := testutil.NewTestNotification(testutil.WithTarget(domain.Target{Namespace: "/notifications", Room: "nowhere"}))

	_, err := f.router.Route(context.Background(), n)
	assert.ErrorIs(t, err, domain.ErrTargetUnresolvable)
	assert.Empty(t, f.transport.GetDeliveries())
}

func TestRouter_InvalidNotification(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		name   string
		mutate func(n *domain.Notification)
	}{
		{"missing message", func(n *domain.Notification) { n.Message = "" }},
		{"bad priority", func(n *domain.Notification) { n.Priority = 0 }},
		{"empty target", func(n *domain.Notification) { n.Target = domain.Target{} }},
		{"mixed target", func(n *domain.Notification) { n.Target.Roles = []string{"admin"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := testutil.NewTestNotification()
			tt.mutate(n)
			_, err := f.router.Route(context.Background(), n)
			assert.ErrorIs(t, err, domain.ErrInvalidNotification)
		})
	}
	assert.Empty(t, f.transport.GetDeliveries())
}

func TestRouter_OnlineElsewhereSkipsQueue(t *testing.T) {
	f := newRouterFixture(t)
	presence := testutil.NewMockPresenceStore()
	require.NoError(t, presence.Add(context.Background(), "carol", domain.PresenceEntry{
		ConnectionID: "conn-remote", InstanceID: "instance-b", Namespace: "/notifications",
	}))
	bus := &fakeBus{}
	f.router.WithPresence(presence, "instance-a").WithBus(bus)

	n := testutil.NewTestNotification(testutil.ToUsers("carol"))
	_, err := f.router.Route(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, 0, f.store.Count("carol"))
	assert.Equal(t, []string{n.ID}, bus.published)
}

func TestRouter_PresenceWithoutBusStillQueues(t *testing.T) {
	f := newRouterFixture(t)
	presence := testutil.NewMockPresenceStore()
	require.NoError(t, presence.Add(context.Background(), "carol", domain.PresenceEntry{
		ConnectionID: "conn-remote", InstanceID: "instance-b",
	}))
	f.router.WithPresence(presence, "instance-a")

	_, err := f.router.Route(context.Background(), testutil.NewTestNotification(testutil.ToUsers("carol")))
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Count("carol"))
}

func TestRouter_OfflineDecisionUsesNamespaceAndInstance(t *testing.T) {
	tests := []struct {
		name       string
		entry      domain.PresenceEntry
		namespace  string
		wantQueued int
	}{
		{
			name:       "own instance in another namespace",
			entry:      domain.PresenceEntry{ConnectionID: "conn-local", InstanceID: "instance-a", Namespace: "/admin"},
			namespace:  "/notifications",
			wantQueued: 1,
		},
		{
			name:       "own instance in the target namespace",
			entry:      domain.PresenceEntry{ConnectionID: "conn-gone", InstanceID: "instance-a", Namespace: "/notifications"},
			namespace:  "/notifications",
			wantQueued: 1,
		},
		{
			name:       "other instance in another namespace",
			entry:      domain.PresenceEntry{ConnectionID: "conn-remote", InstanceID: "instance-b", Namespace: "/admin"},
			namespace:  "/notifications",
			wantQueued: 1,
		},
		{
			name:       "other instance in the target namespace",
			entry:      domain.PresenceEntry{ConnectionID: "conn-remote", InstanceID: "instance-b", Namespace: "/notifications"},
			namespace:  "/notifications",
			wantQueued: 0,
		},
		{
			name:       "other instance, no namespace on target",
			entry:      domain.PresenceEntry{ConnectionID: "conn-remote", InstanceID: "instance-b", Namespace: "/admin"},
			wantQueued: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := testutil.NewTestConnection(testutil.WithConnectionUser("dave"), testutil.WithNamespace("/admin"))
			f := newRouterFixture(t, local)
			presence := testutil.NewMockPresenceStore()
			require.NoError(t, presence.Add(context.Background(), "dave", tt.entry))
			f.router.WithPresence(presence, "instance-a").WithBus(&fakeBus{})

			n := testutil.NewTestNotification(
				testutil.WithTarget(domain.Target{UserIDs: []string{"dave"}, Namespace: tt.namespace}),
				testutil.WithRequiresAck(),
			)
			_, err := f.router.Route(context.Background(), n)
			require.NoError(t, err)

			if tt.namespace == "" {
				// dave's /admin connection is local and receives it directly
				assert.Len(t, f.transport.GetDeliveries(), 1)
				return
			}
			assert.Equal(t, tt.wantQueued, f.store.Count("dave"))
			assert.Empty(t, f.transport.GetDeliveries())
		})
	}
}

func TestRouter_BusErrorDoesNotFailRoute(t *testing.T) {
	conn := testutil.NewTestConnection(testutil.WithConnectionUser("alice"))
	f := newRouterFixture(t, conn)
	f.router.WithBus(&fakeBus{err: errors.New("redis down")})

	ids, err := f.router.Route(context.Background(), testutil.NewTestNotification(testutil.ToUsers("alice")))
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestRouter_DeliverLocalNeverQueues(t *testing.T) {
	f := newRouterFixture(t)
	bus := &fakeBus{}
	f.router.WithBus(bus)

	ids, err := f.router.DeliverLocal(context.Background(), testutil.NewTestNotification(testutil.ToUsers("carol")))
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, f.store.Count("carol"))
	assert.Empty(t, bus.published)
}
