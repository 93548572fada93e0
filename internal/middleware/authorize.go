package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"session-notify/internal/observability"
)

// Decision is the outcome of a single policy.
type Decision int

const (
	Allow Decision = iota
	DenyUnauthenticated
	DenyForbidden
)

// AuthorizationResult is what a Policy returns. Reason is machine-readable.
type AuthorizationResult struct {
	Decision Decision
	Reason   string
}

func (a AuthorizationResult) Allowed() bool { return a.Decision == Allow }

func (a AuthorizationResult) status() int {
	if a.Decision == DenyUnauthenticated {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

// Policy inspects the request identity and decides.
type Policy func(rc *RequestContext, r *http.Request) AuthorizationResult

// Authenticated allows any logged-in user.
func Authenticated() Policy {
	return func(rc *RequestContext, _ *http.Request) AuthorizationResult {
		if !rc.Authenticated() {
			return AuthorizationResult{Decision: DenyUnauthenticated, Reason: "not_authenticated"}
		}
		return AuthorizationResult{Decision: Allow}
	}
}

// AnyRole allows users holding at least one of roles.
func AnyRole(roles ...string) Policy {
	return func(rc *RequestContext, _ *http.Request) AuthorizationResult {
		for _, role := range roles {
			if rc.HasRole(role) {
				return AuthorizationResult{Decision: Allow}
			}
		}
		return AuthorizationResult{Decision: DenyForbidden, Reason: "missing_role:" + strings.Join(roles, "|")}
	}
}

// Evaluate runs policies in order and returns the first denial.
func Evaluate(rc *RequestContext, r *http.Request, policies ...Policy) AuthorizationResult {
	for _, p := range policies {
		if res := p(rc, r); !res.Allowed() {
			return res
		}
	}
	return AuthorizationResult{Decision: Allow}
}

// Authorize rejects requests that fail any of policies, evaluated in order.
func Authorize(policies ...Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := GetRequestContext(r.Context())
			res := Evaluate(rc, r, policies...)
			if res.Allowed() {
				next.ServeHTTP(w, r)
				return
			}

			if res.Decision == DenyForbidden {
				observability.SecurityEvent(r.Context(), "authorization_denied",
					slog.String("reason", res.Reason),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path))
			}

			msg := "Not authenticated"
			if res.Decision == DenyForbidden {
				msg = "Forbidden"
			}
			writeJSONError(w, res.status(), map[string]string{"error": msg, "reason": res.Reason})
		})
	}
}

func RequireUser() func(http.Handler) http.Handler {
	return Authorize(Authenticated())
}

func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return Authorize(Authenticated(), AnyRole(roles...))
}
