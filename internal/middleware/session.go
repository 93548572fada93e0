package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"session-notify/internal/domain"
	"session-notify/internal/observability"
	"session-notify/internal/security"
)

type contextKey string

const requestContextKey contextKey = "request_context"

// SessionResolver turns a cookie value into a live session. Unknown ids return
// domain.ErrSessionNotFound; any other error means the store could not answer.
type SessionResolver interface {
	Lookup(ctx context.Context, id string) (*domain.Session, error)
}

// RequestContext is the per-request identity. Session is nil for anonymous requests.
type RequestContext struct {
	Session *domain.Session
	Roles   []string
}

func (rc *RequestContext) UserID() string {
	if rc == nil || rc.Session == nil {
		return ""
	}
	return rc.Session.UserID
}

func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.Session.IsAuthenticated()
}

func (rc *RequestContext) HasRole(role string) bool {
	if rc == nil {
		return false
	}
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Session resolves the session cookie into a RequestContext. It never rejects a
// request: a missing, expired or unreadable session continues as anonymous. The
// cookie is cleared only when the store says the session does not exist.
func Session(sessions SessionResolver, cookies *security.CookieManager, roles domain.RoleLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := &RequestContext{}
			ctx := r.Context()

			if id, ok := cookies.SessionID(r); ok {
				s, err := sessions.Lookup(ctx, id)
				switch {
				case err == nil:
					rc.Session = s
				case errors.Is(err, domain.ErrSessionNotFound):
					cookies.ClearSession(w)
				default:
					observability.FromContext(ctx).Warn("session lookup failed, continuing anonymous",
						slog.String("error", err.Error()))
				}
			}

			if rc.Session != nil {
				ctx = observability.WithSessionID(ctx, rc.Session.ID)
				if rc.Authenticated() {
					ctx = observability.WithUserID(ctx, rc.Session.UserID)
					rc.Roles = lookupRoles(ctx, roles, rc.Session.UserID)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithRequestContext(ctx, rc)))
		})
	}
}

func lookupRoles(ctx context.Context, roles domain.RoleLookup, userID string) []string {
	if roles == nil {
		return nil
	}
	found, err := roles.GetRoles(ctx, userID)
	if err != nil {
		observability.FromContext(ctx).Warn("role lookup failed", slog.String("error", err.Error()))
		return nil
	}
	return found
}

// GetRequestContext never returns nil; requests outside Session are anonymous.
func GetRequestContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(requestContextKey).(*RequestContext); ok && rc != nil {
		return rc
	}
	return &RequestContext{}
}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// GetSession returns the resolved session, if any.
func GetSession(ctx context.Context) (*domain.Session, bool) {
	s := GetRequestContext(ctx).Session
	return s, s != nil
}

// GetUserID returns the authenticated user id, if any.
func GetUserID(ctx context.Context) (string, bool) {
	id := GetRequestContext(ctx).UserID()
	return id, id != ""
}

func writeJSONError(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
