package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/observability"
)

var (
	ErrHubClosed     = errors.New("hub closed")
	ErrSendQueueFull = errors.New("connection send queue full")
	ErrInvalidRoom   = errors.New("invalid room name")
	ErrAlreadyInRoom = errors.New("connection already in room")
	ErrTooManyRooms  = errors.New("connection joined too many rooms")
)

const (
	maxRoomNameLen     = 128
	maxRoomsPerConn    = 32
	presenceTimeout    = 2 * time.Second
	presenceHeartbeat  = 30 * time.Second
	lifecycleQueueSize = 1024
)

type roomKey struct {
	namespace string
	room      string
}

type clientSet map[string]*Client

func (s clientSet) add(c *Client) { s[c.info.ID] = c }

// lifecycleEvent is handed to the hook worker outside the actor goroutine.
type lifecycleEvent struct {
	conn   domain.Connection
	online bool
	// edge is true for a user's first connection or the removal of their last one.
	edge bool
	// refresh, when set, is a presence heartbeat for every connection listed.
	refresh []domain.Connection
}

// Hooks are called from a single worker goroutine, in registration order.
type Hooks struct {
	OnUserOnline  func(ctx context.Context, conn domain.Connection)
	OnUserOffline func(ctx context.Context, userID string)
}

// Hub is the process-local connection registry. A single goroutine owns every
// index; other goroutines talk to it over channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	calls      chan func()
	done       chan struct{}
	lifecycle  chan lifecycleEvent

	// owned by the Run goroutine
	conns       clientSet
	byUser      map[string]clientSet
	bySession   map[string]clientSet
	byNamespace map[string]clientSet
	byRoom      map[roomKey]clientSet

	presence   domain.PresenceStore
	instanceID string
	heartbeat  time.Duration
	hooks      Hooks
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		calls:       make(chan func()),
		done:        make(chan struct{}),
		lifecycle:   make(chan lifecycleEvent, lifecycleQueueSize),
		conns:       make(clientSet),
		byUser:      make(map[string]clientSet),
		bySession:   make(map[string]clientSet),
		byNamespace: make(map[string]clientSet),
		byRoom:      make(map[roomKey]clientSet),
		heartbeat:   presenceHeartbeat,
	}
}

// WithPresence mirrors authenticated connections into the shared presence store.
// Must be called before Run.
func (h *Hub) WithPresence(presence domain.PresenceStore, instanceID string) *Hub {
	h.presence = presence
	h.instanceID = instanceID
	return h
}

// SetHooks must be called before Run.
func (h *Hub) SetHooks(hooks Hooks) {
	h.hooks = hooks
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) error {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		h.runLifecycle(ctx)
	}()
	defer func() {
		held := h.shutdown()
		<-workerDone
		h.releasePresence(held)
	}()

	var heartbeat <-chan time.Time
	if h.presence != nil {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("hub shutting down gracefully")
			return ctx.Err()

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client, "disconnected")

		case fn := <-h.calls:
			fn()

		case <-heartbeat:
			h.refreshPresence()
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	info := client.info
	if _, exists := h.conns[info.ID]; exists {
		slog.Warn("duplicate connection id rejected", slog.String("connection_id", info.ID))
		client.closeSend()
		return
	}

	h.conns.add(client)
	indexAdd(h.bySession, info.SessionID, client)
	indexAdd(h.byNamespace, info.Namespace, client)
	first := false
	if info.UserID != "" {
		first = len(h.byUser[info.UserID]) == 0
		indexAdd(h.byUser, info.UserID, client)
	}

	observability.WebSocketConnectionsActive.WithLabelValues(info.Namespace).Inc()
	slog.Info("client registered",
		slog.String("connection_id", info.ID),
		slog.String("user_id", info.UserID),
		slog.String("namespace", info.Namespace))

	if info.UserID != "" {
		h.emit(lifecycleEvent{conn: client.snapshot(), online: true, edge: first})
	}
}

// unregisterClient removes a client from every index and closes its send queue.
func (h *Hub) unregisterClient(client *Client, reason string) {
	info := client.info
	if h.conns[info.ID] != client {
		return
	}

	delete(h.conns, info.ID)
	indexRemove(h.bySession, info.SessionID, info.ID)
	indexRemove(h.byNamespace, info.Namespace, info.ID)
	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	last := false
	if info.UserID != "" {
		indexRemove(h.byUser, info.UserID, info.ID)
		last = len(h.byUser[info.UserID]) == 0
	}
	client.closeSend()

	observability.WebSocketConnectionsActive.WithLabelValues(info.Namespace).Dec()
	slog.Info("client unregistered",
		slog.String("connection_id", info.ID),
		slog.String("user_id", info.UserID),
		slog.String("namespace", info.Namespace),
		slog.String("reason", reason))

	if info.UserID != "" {
		h.emit(lifecycleEvent{conn: client.snapshot(), online: false, edge: last})
	}
}

func (h *Hub) removeFromRoom(client *Client, room string) {
	key := roomKey{namespace: client.info.Namespace, room: room}
	if members, ok := h.byRoom[key]; ok {
		delete(members, client.info.ID)
		if len(members) == 0 {
			delete(h.byRoom, key)
		}
	}
	delete(client.rooms, room)
}

func (h *Hub) emit(ev lifecycleEvent) {
	if h.presence == nil && h.hooks.OnUserOnline == nil && h.hooks.OnUserOffline == nil {
		return
	}
	select {
	case h.lifecycle <- ev:
	default:
		slog.Warn("lifecycle queue full, dropping event",
			slog.String("connection_id", ev.conn.ID),
			slog.Bool("online", ev.online))
	}
}

// runLifecycle applies presence updates and hooks off the actor goroutine, so
// store round trips never hold up routing.
func (h *Hub) runLifecycle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.lifecycle:
			h.handleLifecycle(ctx, ev)
		}
	}
}

func (h *Hub) handleLifecycle(ctx context.Context, ev lifecycleEvent) {
	if ev.refresh != nil {
		for _, conn := range ev.refresh {
			h.updatePresence(ctx, conn, true)
		}
		return
	}

	if h.presence != nil {
		h.updatePresence(ctx, ev.conn, ev.online)
	}

	if !ev.edge {
		return
	}
	if ev.online && h.hooks.OnUserOnline != nil {
		h.hooks.OnUserOnline(ctx, ev.conn)
	}
	if !ev.online && h.hooks.OnUserOffline != nil {
		h.hooks.OnUserOffline(ctx, ev.conn.UserID)
	}
}

func (h *Hub) updatePresence(ctx context.Context, conn domain.Connection, online bool) {
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	var err error
	if online {
		err = h.presence.Add(pctx, conn.UserID, domain.PresenceEntry{
			ConnectionID: conn.ID,
			InstanceID:   h.instanceID,
			Namespace:    conn.Namespace,
		})
	} else {
		err = h.presence.Remove(pctx, conn.UserID, conn.ID)
	}
	if err != nil {
		slog.Warn("presence update failed",
			slog.String("user_id", conn.UserID),
			slog.String("connection_id", conn.ID),
			slog.Bool("online", online),
			slog.String("error", err.Error()))
	}
}

// refreshPresence queues a heartbeat for every authenticated connection. A
// dropped heartbeat is made up by the next tick.
func (h *Hub) refreshPresence() {
	var conns []domain.Connection
	for _, client := range h.conns {
		if client.info.UserID != "" {
			conns = append(conns, client.info)
		}
	}
	if len(conns) > 0 {
		h.emit(lifecycleEvent{refresh: conns})
	}
}

// releasePresence runs after the lifecycle worker has stopped. It applies the
// removals the worker never reached, then drops every connection still held.
func (h *Hub) releasePresence(held []domain.Connection) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	byUser := make(map[string][]string)
	for _, conn := range held {
		byUser[conn.UserID] = append(byUser[conn.UserID], conn.ID)
	}
drain:
	for {
		select {
		case ev := <-h.lifecycle:
			if ev.refresh == nil && !ev.online {
				byUser[ev.conn.UserID] = append(byUser[ev.conn.UserID], ev.conn.ID)
			}
		default:
			break drain
		}
	}

	for userID, ids := range byUser {
		if err := h.presence.Remove(ctx, userID, ids...); err != nil {
			slog.Warn("failed to release presence on shutdown",
				slog.String("user_id", userID),
				slog.Int("connections", len(ids)),
				slog.String("error", err.Error()))
		}
	}
}

// shutdown closes every connection and returns the authenticated ones so
// their presence can be released.
func (h *Hub) shutdown() []domain.Connection {
	close(h.done)

	closed := len(h.conns)
	var held []domain.Connection
	for _, client := range h.conns {
		if client.info.UserID != "" {
			held = append(held, client.info)
		}
		client.closeSend()
		slog.Info("closed client connection",
			slog.String("connection_id", client.info.ID),
			slog.String("namespace", client.info.Namespace))
	}
	h.conns = make(clientSet)
	h.byUser = make(map[string]clientSet)
	h.bySession = make(map[string]clientSet)
	h.byNamespace = make(map[string]clientSet)
	h.byRoom = make(map[roomKey]clientSet)

	slog.Info("hub shutdown complete", slog.Int("connections_closed", closed))
	return held
}

// do runs fn on the actor goroutine and waits for it.
func (h *Hub) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(finished) }:
	case <-h.done:
		return ErrHubClosed
	}
	<-finished
	return nil
}

// Register adds a client to every index.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		client.closeSend()
		return ErrHubClosed
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// JoinRoom adds a connection to a room of its own namespace.
func (h *Hub) JoinRoom(connectionID, room string) error {
	if room == "" || len(room) > maxRoomNameLen {
		return ErrInvalidRoom
	}
	var result error
	err := h.do(func() {
		client, ok := h.conns[connectionID]
		if !ok {
			result = domain.ErrConnectionNotFound
			return
		}
		if _, in := client.rooms[room]; in {
			result = ErrAlreadyInRoom
			return
		}
		if len(client.rooms) >= maxRoomsPerConn {
			result = ErrTooManyRooms
			return
		}
		client.rooms[room] = struct{}{}
		key := roomKey{namespace: client.info.Namespace, room: room}
		if h.byRoom[key] == nil {
			h.byRoom[key] = make(clientSet)
		}
		h.byRoom[key].add(client)
	})
	if err != nil {
		return err
	}
	return result
}

// LeaveRoom is a no-op when the connection is not in the room.
func (h *Hub) LeaveRoom(connectionID, room string) error {
	var result error
	err := h.do(func() {
		client, ok := h.conns[connectionID]
		if !ok {
			result = domain.ErrConnectionNotFound
			return
		}
		h.removeFromRoom(client, room)
	})
	if err != nil {
		return err
	}
	return result
}

// ConnectionsFor resolves a target to live connections using the indices. Role
// targets are resolved by the router and return nothing here.
func (h *Hub) ConnectionsFor(target domain.Target) []domain.Connection {
	kind, err := target.Kind()
	if err != nil {
		return nil
	}

	var out []domain.Connection
	_ = h.do(func() {
		var matched []*Client
		switch kind {
		case domain.TargetUsers:
			seen := make(map[string]struct{}, len(target.UserIDs))
			for _, userID := range target.UserIDs {
				if _, dup := seen[userID]; dup {
					continue
				}
				seen[userID] = struct{}{}
				for _, c := range h.byUser[userID] {
					if target.Namespace == "" || c.info.Namespace == target.Namespace {
						matched = append(matched, c)
					}
				}
			}
		case domain.TargetRoom:
			for _, c := range h.byRoom[roomKey{namespace: target.Namespace, room: target.Room}] {
				matched = append(matched, c)
			}
		case domain.TargetNamespace:
			for _, c := range h.byNamespace[target.Namespace] {
				matched = append(matched, c)
			}
		case domain.TargetBroadcast:
			excluded := make(map[string]struct{}, len(target.ExcludeUsers))
			for _, u := range target.ExcludeUsers {
				excluded[u] = struct{}{}
			}
			pool := h.conns
			if target.Namespace != "" {
				pool = h.byNamespace[target.Namespace]
			}
			for _, c := range pool {
				if _, skip := excluded[c.info.UserID]; skip && c.info.UserID != "" {
					continue
				}
				matched = append(matched, c)
			}
		}

		out = make([]domain.Connection, 0, len(matched))
		for _, c := range matched {
			out = append(out, c.snapshot())
		}
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// OnlineUsers lists users with a live connection in namespace, or anywhere when
// namespace is empty.
func (h *Hub) OnlineUsers(namespace string) []string {
	var users []string
	_ = h.do(func() {
		if namespace == "" {
			for userID := range h.byUser {
				users = append(users, userID)
			}
			return
		}
		seen := make(map[string]struct{})
		for _, c := range h.byNamespace[namespace] {
			if c.info.UserID == "" {
				continue
			}
			if _, ok := seen[c.info.UserID]; !ok {
				seen[c.info.UserID] = struct{}{}
				users = append(users, c.info.UserID)
			}
		}
	})
	sort.Strings(users)
	return users
}

// Connection returns the live connection with id.
func (h *Hub) Connection(connectionID string) (domain.Connection, bool) {
	var (
		conn domain.Connection
		ok   bool
	)
	_ = h.do(func() {
		var c *Client
		if c, ok = h.conns[connectionID]; ok {
			conn = c.snapshot()
		}
	})
	return conn, ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	n := 0
	_ = h.do(func() { n = len(h.conns) })
	return n
}

// Deliver queues a notification event on the connection. Events queued for one
// connection are written in call order. A connection whose queue is full is
// dropped.
func (h *Hub) Deliver(connectionID string, n *domain.Notification) error {
	data, err := json.Marshal(ServerMessage{Type: EventNotification, Notification: n})
	if err != nil {
		return err
	}
	return h.send(connectionID, EventNotification, data)
}

// SendEvent queues an arbitrary server event on the connection.
func (h *Hub) SendEvent(connectionID string, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.send(connectionID, msg.Type, data)
}

func (h *Hub) send(connectionID, event string, data []byte) error {
	var result error
	err := h.do(func() {
		client, ok := h.conns[connectionID]
		if !ok {
			result = domain.ErrConnectionNotFound
			return
		}
		select {
		case client.send <- data:
			observability.WebSocketMessagesSent.WithLabelValues(client.info.Namespace, event).Inc()
		default:
			observability.WebSocketSendDropped.WithLabelValues(client.info.Namespace).Inc()
			h.unregisterClient(client, "send queue full")
			result = ErrSendQueueFull
		}
	})
	if err != nil {
		return err
	}
	return result
}

// CloseSession disconnects every connection bound to sessionID and returns how
// many were closed. Each connection gets an error event before the close frame.
func (h *Hub) CloseSession(sessionID string) int {
	closed := 0
	data, _ := json.Marshal(ServerMessage{Type: EventError, Reason: ReasonSessionEnded})
	_ = h.do(func() {
		for _, client := range h.bySession[sessionID] {
			select {
			case client.send <- data:
			default:
			}
			h.unregisterClient(client, "session ended")
			closed++
		}
	})
	return closed
}

func indexAdd(idx map[string]clientSet, key string, c *Client) {
	set := idx[key]
	if set == nil {
		set = make(clientSet)
		idx[key] = set
	}
	set.add(c)
}

func indexRemove(idx map[string]clientSet, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
