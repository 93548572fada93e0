package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/middleware"
	"session-notify/internal/security"
	"session-notify/internal/service"
	"session-notify/internal/testutil"

	"github.com/go-chi/chi/v5"
)

const (
	testCSRFSecret   = "handler-test-csrf-secret-0123456789abcdef"
	testTicketSecret = "handler-test-ticket-secret-0123456789abcdef"
)

var testNamespaces = Namespaces{
	All:   []string{"/notifications", "/admin"},
	Admin: []string{"/admin"},
}

// testEnv wires a session manager over the in-memory store.
type testEnv struct {
	store      *testutil.MockSessionStore
	terminator *testutil.MockTerminator
	sessions   *service.SessionManager
	cookies    *security.CookieManager
	tokens     *security.TokenManager
	tickets    *security.TicketManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := testutil.NewMockSessionStore()
	terminator := &testutil.MockTerminator{}
	sessions := service.NewSessionManager(store, &testutil.MockAuditWriter{}, service.DefaultSessionConfig())
	sessions.SetTerminator(terminator)
	return &testEnv{
		store:      store,
		terminator: terminator,
		sessions:   sessions,
		cookies:    security.NewCookieManager("", false, "lax"),
		tokens:     security.NewTokenManager(testCSRFSecret, time.Hour),
		tickets:    security.NewTicketManager(testTicketSecret, time.Minute),
	}
}

// seedSession writes a session straight into the store.
func (e *testEnv) seedSession(opts ...func(*testutil.SessionOptions)) *domain.Session {
	s := testutil.NewTestSession(opts...)
	cp := *s
	e.store.Sessions[s.ID] = &cp
	return s
}

func (e *testEnv) stored(id string) (*domain.Session, bool) {
	s, ok := e.store.Sessions[id]
	return s, ok
}

// withSession attaches the identity the Session middleware would have resolved.
func withSession(r *http.Request, s *domain.Session, roles ...string) *http.Request {
	rc := &middleware.RequestContext{Session: s, Roles: roles}
	return r.WithContext(middleware.WithRequestContext(r.Context(), rc))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

