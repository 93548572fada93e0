package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/observability"
)

// Registry is the process-local view of live connections.
type Registry interface {
	ConnectionsFor(target domain.Target) []domain.Connection
	OnlineUsers(namespace string) []string
}

// BusPublisher forwards a routed notification to the other instances.
type BusPublisher interface {
	Publish(ctx context.Context, n *domain.Notification) error
}

// Router resolves notification targets to live connections, hands them to the
// tracker and queues offline users.
type Router struct {
	registry Registry
	tracker  *Tracker
	offline  *OfflineQueue
	roles    domain.RoleLookup
	presence   domain.PresenceStore
	instanceID string
	bus        BusPublisher
	now      func() time.Time
}

func NewRouter(registry Registry, tracker *Tracker, offline *OfflineQueue, roles domain.RoleLookup) *Router {
	return &Router{
		registry: registry,
		tracker:  tracker,
		offline:  offline,
		roles:    roles,
		now:      time.Now,
	}
}

// WithPresence lets the router see connections held by other instances before
// deciding a user is offline. Entries recorded by instanceID are this process's
// own and are ignored; the local registry is authoritative for them.
func (r *Router) WithPresence(presence domain.PresenceStore, instanceID string) *Router {
	r.presence = presence
	r.instanceID = instanceID
	return r
}

// WithBus publishes every routed notification to the other instances.
func (r *Router) WithBus(bus BusPublisher) *Router {
	r.bus = bus
	return r
}

// Route delivers n to every matching local connection, queues explicitly targeted
// users that are offline everywhere, and publishes n to the other instances. It
// returns the ids of the local connections attempted.
func (r *Router) Route(ctx context.Context, n *domain.Notification) ([]string, error) {
	if n != nil && n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	if err := n.Validate(); err != nil {
		observability.NotificationsRouted.WithLabelValues(priorityLabel(n), "invalid").Inc()
		return nil, err
	}
	n.DeliveryStatus = domain.StatusPending

	kind, _ := n.Target.Kind()
	conns, err := r.resolve(ctx, kind, n.Target)
	if err != nil {
		observability.NotificationsRouted.WithLabelValues(n.Priority.String(), "error").Inc()
		return nil, err
	}

	if len(conns) > 0 {
		if err := r.tracker.Send(ctx, n, conns...); err != nil {
			return connectionIDs(conns), fmt.Errorf("send notification %s: %w", n.ID, err)
		}
	}

	queued := 0
	if kind == domain.TargetUsers {
		queued = r.persistOffline(ctx, n, conns)
	}

	if r.bus != nil {
		if err := r.bus.Publish(ctx, n); err != nil {
			slog.Warn("failed to publish notification to other instances",
				slog.String("notification_id", n.ID),
				slog.String("error", err.Error()))
		}
	}

	switch {
	case len(conns) > 0:
		observability.NotificationsRouted.WithLabelValues(n.Priority.String(), "sent").Inc()
	case queued > 0:
		observability.NotificationsRouted.WithLabelValues(n.Priority.String(), "queued").Inc()
	case kind == domain.TargetRoom && r.bus == nil:
		observability.NotificationsRouted.WithLabelValues(n.Priority.String(), "unresolvable").Inc()
		slog.Warn("notification dropped",
			slog.String("notification_id", n.ID),
			slog.String("namespace", n.Target.Namespace),
			slog.String("room", n.Target.Room),
			slog.String("error", domain.ErrTargetUnresolvable.Error()))
		return nil, fmt.Errorf("%w: no connections in room %q of %s", domain.ErrTargetUnresolvable, n.Target.Room, n.Target.Namespace)
	default:
		observability.NotificationsRouted.WithLabelValues(n.Priority.String(), "no_recipients").Inc()
	}

	slog.Debug("notification routed",
		slog.String("notification_id", n.ID),
		slog.String("target", string(kind)),
		slog.Int("connections", len(conns)),
		slog.Int("queued", queued))
	return connectionIDs(conns), nil
}

// DeliverLocal sends a notification received from another instance to this
// instance's connections only. It never queues offline or republishes.
func (r *Router) DeliverLocal(ctx context.Context, n *domain.Notification) ([]string, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	kind, _ := n.Target.Kind()
	conns, err := r.resolve(ctx, kind, n.Target)
	if err != nil || len(conns) == 0 {
		return nil, err
	}
	if err := r.tracker.Send(ctx, n, conns...); err != nil {
		return connectionIDs(conns), err
	}
	return connectionIDs(conns), nil
}

// FlushOffline replays a reconnecting user's queue to conn, oldest-first.
func (r *Router) FlushOffline(ctx context.Context, conn domain.Connection) ([]*domain.Notification, error) {
	if conn.UserID == "" {
		return nil, nil
	}
	return r.offline.FlushOnReconnect(ctx, conn.UserID, func(ctx context.Context, n *domain.Notification) error {
		return r.tracker.Send(ctx, n, conn)
	})
}

func (r *Router) resolve(ctx context.Context, kind domain.TargetKind, target domain.Target) ([]domain.Connection, error) {
	if kind != domain.TargetRoles {
		return r.registry.ConnectionsFor(target), nil
	}
	if r.roles == nil {
		return nil, fmt.Errorf("%w: no role lookup configured", domain.ErrTargetUnresolvable)
	}

	wanted := make(map[string]struct{}, len(target.Roles))
	for _, role := range target.Roles {
		wanted[role] = struct{}{}
	}

	var matched []string
	for _, userID := range r.registry.OnlineUsers(target.Namespace) {
		roles, err := r.roles.GetRoles(ctx, userID)
		if err != nil {
			slog.Warn("role lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
			continue
		}
		for _, role := range roles {
			if _, ok := wanted[role]; ok {
				matched = append(matched, userID)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return r.registry.ConnectionsFor(domain.Target{UserIDs: matched, Namespace: target.Namespace}), nil
}

func (r *Router) persistOffline(ctx context.Context, n *domain.Notification, conns []domain.Connection) int {
	local := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		local[c.UserID] = struct{}{}
	}

	queued := 0
	seen := make(map[string]struct{}, len(n.Target.UserIDs))
	for _, userID := range n.Target.UserIDs {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if _, ok := local[userID]; ok {
			continue
		}
		if r.onlineElsewhere(ctx, userID, n.Target.Namespace) {
			continue
		}
		if _, err := r.offline.Enqueue(ctx, userID, n); err != nil {
			slog.Error("failed to queue offline notification",
				slog.String("notification_id", n.ID),
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
			continue
		}
		queued++
	}
	return queued
}

// onlineElsewhere reports whether another instance holds a live connection for
// userID in namespace (any namespace when empty), and so will receive the
// notification over the bus.
func (r *Router) onlineElsewhere(ctx context.Context, userID, namespace string) bool {
	if r.presence == nil || r.bus == nil {
		return false
	}
	entries, err := r.presence.Connections(ctx, userID)
	if err != nil {
		slog.Warn("presence lookup failed, queueing offline",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return false
	}
	for _, e := range entries {
		if e.InstanceID == r.instanceID {
			continue
		}
		if namespace == "" || e.Namespace == namespace {
			return true
		}
	}
	return false
}

func connectionIDs(conns []domain.Connection) []string {
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.ID
	}
	return ids
}

func priorityLabel(n *domain.Notification) string {
	if n == nil || !n.Priority.Valid() {
		return "unknown"
	}
	return n.Priority.String()
}
