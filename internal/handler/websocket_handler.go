package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/middleware"
	"session-notify/internal/observability"
	"session-notify/internal/security"
	ws "session-notify/internal/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketHandler performs the real-time handshake on /ws/{namespace}.
type WebSocketHandler struct {
	hub      *ws.Hub
	sessions middleware.SessionResolver
	tickets  *security.TicketManager
	roles    domain.RoleLookup
	acks     ws.AckHandler
	ns       Namespaces
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handshake handler. allowedOrigins is the same
// comma separated list the CORS middleware uses; "*" allows any origin.
func NewWebSocketHandler(hub *ws.Hub, sessions middleware.SessionResolver, tickets *security.TicketManager, roles domain.RoleLookup, acks ws.AckHandler, ns Namespaces, allowedOrigins string) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:      hub,
		sessions: sessions,
		tickets:  tickets,
		roles:    roles,
		acks:     acks,
		ns:       ns,
	}
	origins := middleware.ParseOrigins(allowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, origins)
		},
	}
	return h
}

func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// HandleConnection authenticates the handshake and upgrades. The session comes
// from ?ticket= when present, otherwise from the cookie. Admin namespaces need an
// authenticated session with the admin role; other namespaces accept anonymous
// sessions but never a request without one.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns := "/" + strings.Trim(chi.URLParam(r, "namespace"), "/")
	if !h.ns.Known(ns) {
		respondError(w, http.StatusNotFound, "Unknown namespace", "unknown_namespace")
		return
	}

	session, roles, reason := h.authenticate(r, ns)
	if reason == "" && h.ns.RequiresAdmin(ns) {
		switch {
		case !session.IsAuthenticated():
			reason = "not_authenticated"
		case !containsRole(roles, domain.RoleAdmin):
			reason = "missing_role:" + domain.RoleAdmin
		}
	}
	if reason != "" {
		observability.SecurityEvent(ctx, "ws_handshake_rejected",
			slog.String("namespace", ns),
			slog.String("reason", reason),
			slog.String("remote_addr", r.RemoteAddr))
		respondError(w, http.StatusUnauthorized, domain.ErrConnectionUnauthorized.Error(), reason)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		observability.FromContext(ctx).Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	info := domain.Connection{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		UserID:      session.UserID,
		Namespace:   ns,
		ConnectedAt: time.Now(),
	}
	client := ws.NewClient(h.hub, conn, info, h.acks)
	if err := client.Greet(session.Summary()); err != nil {
		observability.FromContext(ctx).Error("failed to greet connection", slog.String("error", err.Error()))
		_ = conn.Close()
		return
	}
	if err := h.hub.Register(client); err != nil {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// authenticate returns the handshake session and its roles, or a rejection reason.
func (h *WebSocketHandler) authenticate(r *http.Request, ns string) (*domain.Session, []string, string) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		rc := middleware.GetRequestContext(r.Context())
		if rc.Session == nil {
			return nil, nil, "no_session"
		}
		return rc.Session, rc.Roles, ""
	}

	sessionID, err := h.tickets.Validate(ticket, ns)
	if err != nil {
		return nil, nil, "invalid_ticket"
	}
	session, err := h.sessions.Lookup(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, nil, "session_expired"
		}
		return nil, nil, "session_unavailable"
	}

	var roles []string
	if session.IsAuthenticated() && h.roles != nil {
		found, err := h.roles.GetRoles(r.Context(), session.UserID)
		if err != nil {
			observability.FromContext(r.Context()).Warn("role lookup failed", slog.String("error", err.Error()))
		}
		roles = found
	}
	return session, roles, ""
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
