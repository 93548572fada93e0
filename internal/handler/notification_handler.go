package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"session-notify/internal/domain"
	"session-notify/internal/middleware"
	"session-notify/internal/observability"
	"session-notify/internal/security"
	"session-notify/internal/service"
)

const maxOfflineListing = 200

// NotificationHandler serves the offline inbox and the admin notification API.
type NotificationHandler struct {
	router   *service.Router
	tracker  *service.Tracker
	offline  *service.OfflineQueue
	sessions *service.SessionManager
}

func NewNotificationHandler(router *service.Router, tracker *service.Tracker, offline *service.OfflineQueue, sessions *service.SessionManager) *NotificationHandler {
	return &NotificationHandler{router: router, tracker: tracker, offline: offline, sessions: sessions}
}

// NotificationRequest is the admin payload for a new notification. Id is optional.
type NotificationRequest struct {
	ID          string                  `json:"id"`
	Type        domain.NotificationType `json:"type"`
	Priority    domain.Priority         `json:"priority"`
	Title       string                  `json:"title"`
	Message     string                  `json:"message"`
	Payload     json.RawMessage         `json:"payload,omitempty"`
	RequiresAck bool                    `json:"requires_ack"`
	Target      domain.Target           `json:"target"`
}

// RouteResponse reports the local connections a notification was sent to.
type RouteResponse struct {
	ID          string                `json:"id"`
	Status      domain.DeliveryStatus `json:"status"`
	Connections []string              `json:"connections"`
}

// Send routes a notification. Malformed input answers 400, a notification that
// fails validation or has no reachable target answers 422.
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "invalid_request")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	n := &domain.Notification{
		ID:          req.ID,
		Type:        req.Type,
		Priority:    req.Priority,
		Title:       req.Title,
		Message:     req.Message,
		Payload:     req.Payload,
		RequiresAck: req.RequiresAck,
		Target:      req.Target,
	}

	ctx := r.Context()
	conns, err := h.router.Route(ctx, n)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidNotification):
			respondError(w, http.StatusUnprocessableEntity, err.Error(), "invalid_notification")
		case errors.Is(err, domain.ErrTargetUnresolvable):
			respondError(w, http.StatusUnprocessableEntity, err.Error(), "target_unresolvable")
		default:
			observability.FromContext(ctx).Error("failed to route notification",
				slog.String("notification_id", n.ID),
				slog.String("error", err.Error()))
			respondError(w, http.StatusInternalServerError, "Failed to route notification", "")
		}
		return
	}

	status := n.DeliveryStatus
	if s, err := h.tracker.Status(n.ID); err == nil {
		status = s
	}
	if conns == nil {
		conns = []string{}
	}
	observability.FromContext(ctx).Info("admin notification routed",
		slog.String("notification_id", n.ID),
		slog.String("priority", n.Priority.String()),
		slog.Int("connections", len(conns)))
	respondJSON(w, http.StatusAccepted, RouteResponse{ID: n.ID, Status: status, Connections: conns})
}

// Status returns the delivery report of a tracked notification.
func (h *NotificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.tracker.Report(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "Notification not found", "")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// RevokeSession destroys a session and closes its live connections.
func (h *NotificationHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if !security.ValidSessionID(id) {
		respondError(w, http.StatusBadRequest, "Invalid session id", "")
		return
	}

	if err := h.sessions.Destroy(ctx, id, "revoked"); err != nil {
		respondError(w, http.StatusServiceUnavailable, "Sessions are temporarily unavailable", "session_store_unavailable")
		return
	}
	observability.SecurityEvent(ctx, "session_revoked",
		slog.String("target_session_id", observability.RedactID(id)))
	respondJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// ListOffline returns the caller's pending offline notifications, oldest first.
func (h *NotificationHandler) ListOffline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated", "not_authenticated")
		return
	}

	filter, err := parseOfflineFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_filter")
		return
	}

	entries, err := h.offline.Pending(ctx, userID, filter)
	if err != nil {
		observability.FromContext(ctx).Error("failed to list offline notifications", slog.String("error", err.Error()))
		respondError(w, http.StatusServiceUnavailable, "Offline notifications are temporarily unavailable", "")
		return
	}
	if entries == nil {
		entries = []*domain.OfflineEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"notifications": entries})
}

// parseOfflineFilter reads type (comma separated), min_priority, max_age (a Go
// duration or seconds) and limit.
func parseOfflineFilter(r *http.Request) (domain.OfflineFilter, error) {
	q := r.URL.Query()
	filter := domain.OfflineFilter{Limit: maxOfflineListing}

	if raw := q.Get("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t := domain.NotificationType(strings.TrimSpace(part))
			if !t.Valid() {
				return filter, errors.New("unknown notification type " + strconv.Quote(string(t)))
			}
			filter.Types = append(filter.Types, t)
		}
	}

	if raw := q.Get("min_priority"); raw != "" {
		p, err := domain.ParsePriority(raw)
		if err != nil {
			return filter, errors.New("invalid min_priority")
		}
		filter.MinPriority = p
	}

	if raw := q.Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			secs, serr := strconv.Atoi(raw)
			if serr != nil {
				return filter, errors.New("invalid max_age")
			}
			d = time.Duration(secs) * time.Second
		}
		if d <= 0 {
			return filter, errors.New("max_age must be positive")
		}
		filter.MaxAge = d
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = min(limit, maxOfflineListing)
	}
	return filter, nil
}
