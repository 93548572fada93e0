package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"session-notify/internal/domain"
	"session-notify/internal/service"
	"session-notify/internal/testutil"
)

// fakeRegistry resolves user and namespace targets over a fixed connection list.
type fakeRegistry struct {
	conns []domain.Connection
}

func (f *fakeRegistry) ConnectionsFor(target domain.Target) []domain.Connection {
	var out []domain.Connection
	for _, c := range f.conns {
		switch {
		case len(target.UserIDs) > 0:
			if slices.Contains(target.UserIDs, c.UserID) {
				out = append(out, c)
			}
		case target.Namespace == "" || target.Namespace == c.Namespace:
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRegistry) OnlineUsers(namespace string) []string {
	var out []string
	for _, c := range f.conns {
		if c.UserID != "" && (namespace == "" || c.Namespace == namespace) {
			out = append(out, c.UserID)
		}
	}
	return out
}

type notificationFixture struct {
	handler   *NotificationHandler
	env       *testEnv
	transport *testutil.MockTransport
	store     *testutil.MockOfflineStore
	offline   *service.OfflineQueue
}

func setupNotificationHandler(t *testing.T, conns ...domain.Connection) *notificationFixture {
	t.Helper()
	env := newTestEnv(t)
	transport := &testutil.MockTransport{}
	store := testutil.NewMockOfflineStore()
	offline := service.NewOfflineQueue(store)
	tracker := service.NewTracker(transport, offline, &testutil.MockFallbackSender{}, service.DefaultTrackerConfig())
	t.Cleanup(tracker.Close)
	router := service.NewRouter(&fakeRegistry{conns: conns}, tracker, offline, &testutil.MockRoleLookup{})

	return &notificationFixture{
		handler:   NewNotificationHandler(router, tracker, offline, env.sessions),
		env:       env,
		transport: transport,
		store:     store,
		offline:   offline,
	}
}

func TestNotificationHandler_Send_RoutesToConnections(t *testing.T) {
	conn := testutil.NewTestConnection(testutil.WithConnectionID("conn-1"), testutil.WithConnectionUser("bob"))
	f := setupNotificationHandler(t, conn)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/api/v1/admin/notifications", map[string]any{
		"type":     "info",
		"priority": "HIGH",
		"message":  "Deploy finished",
		"target":   map[string]any{"user_ids": []string{"bob"}},
	})
	w := httptest.NewRecorder()
	f.handler.Send(w, req)

	testutil.AssertStatusCode(t, w, http.StatusAccepted)
	resp := testutil.DecodeJSON[RouteResponse](t, w)
	testutil.AssertNotEqual(t, resp.ID, "")
	testutil.AssertEqual(t, len(resp.Connections), 1)
	testutil.AssertEqual(t, resp.Connections[0], "conn-1")
	testutil.AssertNotEqual(t, string(resp.Status), "")

	deliveries := f.transport.GetDeliveries()
	testutil.AssertLen(t, deliveries, 1)
	testutil.AssertEqual(t, deliveries[0].NotificationID, resp.ID)
}

func TestNotificationHandler_Send_QueuesOfflineUser(t *testing.T) {
	f := setupNotificationHandler(t)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/api/v1/admin/notifications", map[string]any{
		"id":       "n-offline",
		"type":     "alert",
		"priority": "urgent",
		"message":  "Quota exceeded",
		"target":   map[string]any{"user_ids": []string{"carol"}},
	})
	w := httptest.NewRecorder()
	f.handler.Send(w, req)

	testutil.AssertStatusCode(t, w, http.StatusAccepted)
	resp := testutil.DecodeJSON[RouteResponse](t, w)
	testutil.AssertEqual(t, resp.ID, "n-offline")
	testutil.AssertEmpty(t, resp.Connections)
	testutil.AssertEqual(t, f.store.Count("carol"), 1)
}

func TestNotificationHandler_Send_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantReason string
	}{
		{
			name:       "malformed priority",
			body:       map[string]any{"type": "info", "priority": "SOON", "message": "hi", "target": map[string]any{"broadcast": true}},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_request",
		},
		{
			name:       "unknown type",
			body:       map[string]any{"type": "gossip", "priority": "LOW", "message": "hi", "target": map[string]any{"broadcast": true}},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "invalid_notification",
		},
		{
			name:       "empty target",
			body:       map[string]any{"type": "info", "priority": "LOW", "message": "hi", "target": map[string]any{}},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "invalid_notification",
		},
		{
			name:       "mixed selectors",
			body:       map[string]any{"type": "info", "priority": "LOW", "message": "hi", "target": map[string]any{"broadcast": true, "user_ids": []string{"bob"}}},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "invalid_notification",
		},
		{
			name:       "empty room",
			body:       map[string]any{"type": "info", "priority": "LOW", "message": "hi", "target": map[string]any{"namespace": "/notifications", "room": "ops"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "target_unresolvable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupNotificationHandler(t)
			w := httptest.NewRecorder()
			f.handler.Send(w, testutil.NewJSONRequest(t, http.MethodPost, "/api/v1/admin/notifications", tt.body))

			testutil.AssertReason(t, w, tt.wantStatus, tt.wantReason)
			testutil.AssertEmpty(t, f.transport.GetDeliveries())
		})
	}
}

func TestNotificationHandler_Status(t *testing.T) {
	conn := testutil.NewTestConnection(testutil.WithConnectionID("conn-1"), testutil.WithConnectionUser("bob"))
	f := setupNotificationHandler(t, conn)

	send := testutil.NewJSONRequest(t, http.MethodPost, "/api/v1/admin/notifications", map[string]any{
		"id":           "n-7",
		"type":         "system",
		"priority":     "CRITICAL",
		"message":      "Failover in progress",
		"requires_ack": true,
		"target":       map[string]any{"user_ids": []string{"bob"}},
	})
	f.handler.Send(httptest.NewRecorder(), send)

	w := httptest.NewRecorder()
	f.handler.Status(w, withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/admin/notifications/n-7", nil), "id", "n-7"))

	testutil.AssertStatusCode(t, w, http.StatusOK)
	report := testutil.DecodeJSON[service.DeliveryReport](t, w)
	testutil.AssertEqual(t, report.NotificationID, "n-7")
	testutil.AssertEqual(t, report.Priority, domain.PriorityCritical)
	testutil.AssertEqual(t, report.Status, domain.StatusAttempted)
	testutil.AssertNotEmpty(t, report.Attempts)
}

func TestNotificationHandler_Status_Unknown(t *testing.T) {
	f := setupNotificationHandler(t)

	w := httptest.NewRecorder()
	f.handler.Status(w, withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/admin/notifications/nope", nil), "id", "nope"))

	testutil.AssertJSONError(t, w, http.StatusNotFound, "Notification not found")
}

func TestNotificationHandler_RevokeSession(t *testing.T) {
	f := setupNotificationHandler(t)
	victim := f.env.seedSession(testutil.WithSessionUserID("mallory"))

	w := httptest.NewRecorder()
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/v1/admin/sessions/"+victim.ID+"/revoke", nil), "id", victim.ID)
	f.handler.RevokeSession(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertJSONContains(t, w, "revoked", true)
	_, ok := f.env.stored(victim.ID)
	testutil.AssertFalse(t, ok, "revoked session should be deleted")
	testutil.AssertEqual(t, f.env.terminator.GetClosed()[0], victim.ID)
}

func TestNotificationHandler_RevokeSession_Errors(t *testing.T) {
	t.Run("malformed id", func(t *testing.T) {
		f := setupNotificationHandler(t)
		w := httptest.NewRecorder()
		f.handler.RevokeSession(w, withURLParam(httptest.NewRequest(http.MethodPost, "/", nil), "id", "short"))

		testutil.AssertJSONError(t, w, http.StatusBadRequest, "Invalid session id")
		testutil.AssertEmpty(t, f.env.terminator.GetClosed())
	})

	t.Run("store down", func(t *testing.T) {
		f := setupNotificationHandler(t)
		victim := f.env.seedSession(testutil.WithSessionUserID("mallory"))
		f.env.store.FailWith(errors.New("connection refused"))

		w := httptest.NewRecorder()
		f.handler.RevokeSession(w, withURLParam(httptest.NewRequest(http.MethodPost, "/", nil), "id", victim.ID))

		testutil.AssertJSONError(t, w, http.StatusServiceUnavailable, "session_store_unavailable")
		testutil.AssertEqual(t, len(f.env.terminator.GetClosed()), 1)
	})
}

func TestNotificationHandler_ListOffline(t *testing.T) {
	f := setupNotificationHandler(t)
	ctx := context.Background()
	_, err := f.offline.Enqueue(ctx, "alice", testutil.NewTestNotification(
		testutil.WithNotificationID("n1-low"), testutil.WithPriority(domain.PriorityLow), testutil.WithType(domain.NotificationInfo)))
	testutil.AssertNoError(t, err)
	_, err = f.offline.Enqueue(ctx, "alice", testutil.NewTestNotification(
		testutil.WithNotificationID("n2-high"), testutil.WithPriority(domain.PriorityHigh), testutil.WithType(domain.NotificationAlert)))
	testutil.AssertNoError(t, err)

	alice := f.env.seedSession(testutil.WithSessionUserID("alice"))

	tests := []struct {
		name    string
		query   string
		wantIDs []string
	}{
		{name: "no filter", query: "", wantIDs: []string{"n1-low", "n2-high"}},
		{name: "min priority", query: "?min_priority=high", wantIDs: []string{"n2-high"}},
		{name: "type", query: "?type=info", wantIDs: []string{"n1-low"}},
		{name: "limit", query: "?limit=1", wantIDs: []string{"n1-low"}},
		{name: "max age in seconds", query: "?max_age=3600", wantIDs: []string{"n1-low", "n2-high"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withSession(httptest.NewRequest(http.MethodGet, "/api/v1/notifications/offline"+tt.query, nil), alice)
			w := httptest.NewRecorder()
			f.handler.ListOffline(w, req)

			testutil.AssertStatusCode(t, w, http.StatusOK)
			resp := testutil.DecodeJSON[struct {
				Notifications []domain.OfflineEntry `json:"notifications"`
			}](t, w)
			got := make([]string, 0, len(resp.Notifications))
			for _, e := range resp.Notifications {
				got = append(got, e.NotificationID)
			}
			testutil.AssertEqual(t, len(got), len(tt.wantIDs))
			for i := range got {
				testutil.AssertEqual(t, got[i], tt.wantIDs[i])
			}
		})
	}
}

func TestNotificationHandler_ListOffline_Errors(t *testing.T) {
	f := setupNotificationHandler(t)
	alice := f.env.seedSession(testutil.WithSessionUserID("alice"))

	t.Run("anonymous", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.handler.ListOffline(w, httptest.NewRequest(http.MethodGet, "/api/v1/notifications/offline", nil))
		testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
	})

	for _, query := range []string{"?type=gossip", "?min_priority=soon", "?max_age=forever", "?max_age=-5s", "?limit=0"} {
		t.Run(query, func(t *testing.T) {
			req := withSession(httptest.NewRequest(http.MethodGet, "/api/v1/notifications/offline"+query, nil), alice)
			w := httptest.NewRecorder()
			f.handler.ListOffline(w, req)
			testutil.AssertReason(t, w, http.StatusBadRequest, "invalid_filter")
		})
	}
}

func TestParseOfflineFilter_Defaults(t *testing.T) {
	filter, err := parseOfflineFilter(httptest.NewRequest(http.MethodGet, "/?max_age=90m&limit=5000", nil))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, filter.Limit, maxOfflineListing)
	testutil.AssertEqual(t, filter.MaxAge.Minutes(), float64(90))
	testutil.AssertFalse(t, filter.MinPriority.Valid(), "min priority should be unset")
}
