package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/security"
	"session-notify/internal/service"
	"session-notify/internal/testutil"
)

type staticResolver map[string]*domain.Session

func (s staticResolver) Lookup(_ context.Context, id string) (*domain.Session, error) {
	if found, ok := s[id]; ok {
		return found, nil
	}
	return nil, domain.ErrSessionNotFound
}

func captureRequestContext(got **RequestContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = GetRequestContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestSession_ResolvesCookie(t *testing.T) {
	alice := testutil.NewTestSession(testutil.WithSessionUserID("alice"))
	cookies := security.NewCookieManager("", false, "lax")
	roles := &testutil.MockRoleLookup{Roles: map[string][]string{"alice": {"admin"}}}

	var rc *RequestContext
	handler := Session(staticResolver{alice.ID: alice}, cookies, roles)(captureRequestContext(&rc))

	req := testutil.NewSessionRequest(t, http.MethodGet, "/api/v1/session", alice.ID)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertNotNil(t, rc.Session)
	testutil.AssertEqual(t, rc.UserID(), "alice")
	testutil.AssertTrue(t, rc.Authenticated(), "session should be authenticated")
	testutil.AssertTrue(t, rc.HasRole("admin"), "roles should be loaded")
	testutil.AssertNoCookie(t, w, security.SessionCookieName)
}

func TestSession_AnonymousWithoutCookie(t *testing.T) {
	cookies := security.NewCookieManager("", false, "lax")

	var rc *RequestContext
	handler := Session(staticResolver{}, cookies, nil)(captureRequestContext(&rc))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertNil(t, rc.Session)
	testutil.AssertFalse(t, rc.Authenticated(), "request should be anonymous")
	testutil.AssertEqual(t, rc.UserID(), "")
}

func TestSession_StaleCookieIsCleared(t *testing.T) {
	cookies := security.NewCookieManager("", false, "lax")
	stale := testutil.NewTestSession()

	var rc *RequestContext
	handler := Session(staticResolver{}, cookies, nil)(captureRequestContext(&rc))

	req := testutil.NewSessionRequest(t, http.MethodGet, "/", stale.ID)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertNil(t, rc.Session)
	testutil.AssertSessionCookieCleared(t, w)
}

func TestSession_StoreDownKeepsCookie(t *testing.T) {
	store := testutil.NewMockSessionStore()
	alice := testutil.NewTestSession(testutil.WithSessionUserID("alice"))
	store.Sessions[alice.ID] = alice
	store.FailWith(errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"))

	sessions := service.NewSessionManager(store, &testutil.MockAuditWriter{}, service.SessionConfig{
		ReadTimeout: 50 * time.Millisecond,
	})
	cookies := security.NewCookieManager("", false, "lax")

	var rc *RequestContext
	handler := Session(sessions, cookies, nil)(captureRequestContext(&rc))

	req := testutil.NewSessionRequest(t, http.MethodGet, "/api/v1/session", alice.ID)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertNil(t, rc.Session)
	testutil.AssertFalse(t, rc.Authenticated(), "request should continue anonymous")
	testutil.AssertNoCookie(t, w, security.SessionCookieName)
	testutil.AssertTrue(t, sessions.Health().Degraded, "store failure should mark the manager degraded")
}

func TestSession_StoreTimeoutKeepsCookie(t *testing.T) {
	store := testutil.NewMockSessionStore()
	store.TouchFunc = func(ctx context.Context, _ string, _ time.Duration) (*domain.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sessions := service.NewSessionManager(store, &testutil.MockAuditWriter{}, service.SessionConfig{
		ReadTimeout: 10 * time.Millisecond,
	})
	cookies := security.NewCookieManager("", false, "lax")

	var rc *RequestContext
	handler := Session(sessions, cookies, nil)(captureRequestContext(&rc))

	req := testutil.NewSessionRequest(t, http.MethodGet, "/", testutil.NewTestSession().ID)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertNil(t, rc.Session)
	testutil.AssertNoCookie(t, w, security.SessionCookieName)
}

func TestSession_MalformedCookieIgnored(t *testing.T) {
	cookies := security.NewCookieManager("", false, "lax")

	var rc *RequestContext
	handler := Session(staticResolver{}, cookies, nil)(captureRequestContext(&rc))

	req := testutil.NewSessionRequest(t, http.MethodGet, "/", "../../etc/passwd")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertNil(t, rc.Session)
}

func TestSession_RoleLookupFailure(t *testing.T) {
	alice := testutil.NewTestSession(testutil.WithSessionUserID("alice"))
	cookies := security.NewCookieManager("", false, "lax")
	roles := &testutil.MockRoleLookup{GetRolesFunc: func(context.Context, string) ([]string, error) {
		return nil, errors.New("directory down")
	}}

	var rc *RequestContext
	handler := Session(staticResolver{alice.ID: alice}, cookies, roles)(captureRequestContext(&rc))

	req := testutil.NewSessionRequest(t, http.MethodGet, "/", alice.ID)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertTrue(t, rc.Authenticated(), "session should still resolve")
	testutil.AssertLen(t, rc.Roles, 0)
}

func TestGetRequestContext_Default(t *testing.T) {
	rc := GetRequestContext(context.Background())
	testutil.AssertNotNil(t, rc)
	testutil.AssertFalse(t, rc.Authenticated(), "default context is anonymous")

	_, ok := GetSession(context.Background())
	testutil.AssertFalse(t, ok, "no session expected")
	_, ok = GetUserID(context.Background())
	testutil.AssertFalse(t, ok, "no user expected")
}
