package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/middleware"
	"session-notify/internal/observability"
	"session-notify/internal/security"
	"session-notify/internal/service"
)

// SessionHandler serves the session view, platform selection, CSRF tokens and
// websocket tickets.
type SessionHandler struct {
	sessions *service.SessionManager
	cookies  *security.CookieManager
	tokens   *security.TokenManager
	tickets  *security.TicketManager
	ns       Namespaces
}

func NewSessionHandler(sessions *service.SessionManager, cookies *security.CookieManager, tokens *security.TokenManager, tickets *security.TicketManager, ns Namespaces) *SessionHandler {
	return &SessionHandler{sessions: sessions, cookies: cookies, tokens: tokens, tickets: tickets, ns: ns}
}

// Namespaces lists the real-time namespaces clients may connect to.
type Namespaces struct {
	All   []string
	Admin []string
}

func (n Namespaces) Known(ns string) bool { return slices.Contains(n.All, ns) }

// RequiresAdmin reports whether ns is restricted to authenticated admins.
func (n Namespaces) RequiresAdmin(ns string) bool { return slices.Contains(n.Admin, ns) }

// PlatformRequest selects the platform for the current session.
type PlatformRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Get returns the client view of the current session. A stale platform cache is
// refreshed first; when that fails the cached view is returned.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, _ := middleware.GetSession(ctx)
	if session != nil {
		fresh, err := h.sessions.RevalidatePlatform(ctx, session)
		if err != nil {
			observability.FromContext(ctx).Warn("platform revalidation failed", slog.String("error", err.Error()))
		} else {
			session = fresh
		}
	}
	respondJSON(w, http.StatusOK, session.Summary())
}

func (h *SessionHandler) UpdatePlatform(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := middleware.GetSession(ctx)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated", "not_authenticated")
		return
	}

	var req PlatformRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	updated, err := h.sessions.UpdatePlatform(ctx, session.ID, &domain.PlatformContext{
		ID:   req.ID,
		Name: req.Name,
		Type: req.Type,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, updated.Summary())
	case errors.Is(err, service.ErrPlatformRequired):
		respondError(w, http.StatusBadRequest, "Platform id is required", "platform_required")
	case errors.Is(err, domain.ErrSessionNotFound):
		h.cookies.ClearSession(w)
		respondError(w, http.StatusUnauthorized, "Session expired", "session_expired")
	default:
		respondError(w, http.StatusServiceUnavailable, "Sessions are temporarily unavailable", "session_store_unavailable")
	}
}

// CSRFTokenResponse carries a token and its lifetime in seconds.
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
	ExpiresIn int64  `json:"expires_in"`
}

// CSRFToken issues a token for the current session, creating an anonymous session
// first when the request has none.
func (h *SessionHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := middleware.GetSession(ctx)
	if !ok {
		created, err := h.sessions.Create(ctx, "", nil)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "Sessions are temporarily unavailable", "session_store_unavailable")
			return
		}
		session = created
		h.cookies.SetSession(w, session.ID, session.ExpiresAt)
	}

	token, err := h.tokens.Issue(session)
	if err != nil {
		observability.FromContext(ctx).Error("failed to issue csrf token", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "Could not issue token", "")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, CSRFTokenResponse{
		CSRFToken: token,
		ExpiresIn: int64(h.tokens.TTL().Seconds()),
	})
}

// TicketResponse carries a short-lived websocket handshake ticket.
type TicketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresAt string `json:"expires_at"`
}

// WSTicket issues a ticket for clients that cannot send the session cookie on the
// websocket handshake. Admin namespaces require the admin role.
func (h *SessionHandler) WSTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := middleware.GetRequestContext(ctx)
	if rc.Session == nil {
		respondError(w, http.StatusUnauthorized, "Not authenticated", "not_authenticated")
		return
	}

	ns := r.URL.Query().Get("namespace")
	if !h.ns.Known(ns) {
		respondError(w, http.StatusBadRequest, "Unknown namespace", "unknown_namespace")
		return
	}
	if h.ns.RequiresAdmin(ns) && !(rc.Authenticated() && rc.HasRole(domain.RoleAdmin)) {
		observability.SecurityEvent(ctx, "ws_ticket_denied", slog.String("namespace", ns))
		respondError(w, http.StatusForbidden, "Admin role required", "missing_role:"+domain.RoleAdmin)
		return
	}

	ticket, expiresAt, err := h.tickets.Issue(rc.Session.ID, ns)
	if err != nil {
		observability.FromContext(ctx).Error("failed to issue ws ticket", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "Could not issue ticket", "")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, ExpiresAt: expiresAt.UTC().Format(time.RFC3339)})
}
