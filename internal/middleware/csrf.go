package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"session-notify/internal/observability"
	"session-notify/internal/security"
)

const CSRFHeader = "X-CSRF-Token"

// CSRF validates tokens on state-changing requests against the session resolved
// by Session. Token sources, in order: form field csrf_token, X-CSRF-Token header,
// X-XSRF-Token header.
//
// Failures are never retried. They respond 403 with a machine-readable reason and
// a message the user can act on.
func CSRF(tokens *security.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) || isExemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			session, _ := GetSession(r.Context())
			err := tokens.Validate(extractCSRFToken(r), session)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			var csrfErr *security.CSRFError
			if !errors.As(err, &csrfErr) {
				csrfErr = &security.CSRFError{Reason: security.ReasonMalformed}
			}
			logCSRFFailure(r, csrfErr.Reason)
			writeJSONError(w, http.StatusForbidden, map[string]string{
				"error":  csrfErr.Message(),
				"reason": string(csrfErr.Reason),
			})
		})
	}
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}

// isExemptPath returns true if the request path should skip CSRF validation.
func isExemptPath(path string) bool {
	exemptPaths := []string{
		"/health",
		"/metrics",
		"/ws/",
	}

	for _, exemptPath := range exemptPaths {
		if strings.HasPrefix(path, exemptPath) {
			return true
		}
	}
	return false
}

func extractCSRFToken(r *http.Request) string {
	if token := r.Header.Get(CSRFHeader); token != "" {
		return token
	}
	if token := r.Header.Get("X-XSRF-Token"); token != "" {
		return token
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return r.PostFormValue("csrf_token")
	}
	return ""
}

func logCSRFFailure(r *http.Request, reason security.CSRFReason) {
	observability.CSRFFailures.WithLabelValues(string(reason)).Inc()
	observability.SecurityEvent(r.Context(), "csrf_rejected",
		slog.String("reason", string(reason)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)
}
