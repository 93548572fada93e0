package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"session-notify/internal/domain"
	"session-notify/internal/middleware"
	"session-notify/internal/observability"
	"session-notify/internal/security"
	"session-notify/internal/service"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	auth     domain.Authenticator
	sessions *service.SessionManager
	cookies  *security.CookieManager
	tokens   *security.TokenManager
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(auth domain.Authenticator, sessions *service.SessionManager, cookies *security.CookieManager, tokens *security.TokenManager) *AuthHandler {
	return &AuthHandler{auth: auth, sessions: sessions, cookies: cookies, tokens: tokens}
}

// LoginRequest represents login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionResponse carries the client view of a fresh session and a CSRF token bound to it.
type SessionResponse struct {
	Session   domain.SessionSummary `json:"session"`
	CSRFToken string                `json:"csrf_token"`
}

// Login authenticates and always rotates the session id, so an id planted before
// login is never promoted.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "Username and password are required", "")
		return
	}

	ctx := r.Context()
	userID, err := h.auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			observability.SecurityEvent(ctx, "login_failed",
				slog.String("username", req.Username),
				slog.String("remote_addr", r.RemoteAddr))
			respondError(w, http.StatusUnauthorized, "Invalid credentials", "")
			return
		}
		observability.FromContext(ctx).Error("authentication failed", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "Login failed", "")
		return
	}

	current, _ := middleware.GetSession(ctx)
	session, err := h.sessions.Rotate(ctx, current, userID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Sessions are temporarily unavailable", "session_store_unavailable")
		return
	}

	token, err := h.tokens.Issue(session)
	if err != nil {
		observability.FromContext(ctx).Error("failed to issue csrf token", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "Login failed", "")
		return
	}

	h.cookies.SetSession(w, session.ID, session.ExpiresAt)
	observability.FromContext(ctx).Info("user logged in",
		slog.String("user_id", userID),
		slog.String("session_id", observability.RedactID(session.ID)))
	respondJSON(w, http.StatusOK, SessionResponse{Session: session.Summary(), CSRFToken: token})
}

// Logout destroys the session and every connection bound to it. The cookie is
// cleared even if the store could not be reached.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if session, ok := middleware.GetSession(ctx); ok {
		if err := h.sessions.Destroy(ctx, session.ID, "logout"); err != nil {
			observability.FromContext(ctx).Warn("logout could not reach the session store",
				slog.String("error", err.Error()))
		}
	}
	h.cookies.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}
