package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/observability"

	"github.com/cenkalti/backoff/v4"
)

// ErrTrackerClosed is returned by Send once Close has been called.
var ErrTrackerClosed = errors.New("delivery tracker closed")

// AckQuorum decides when a user holding several connections counts as delivered.
type AckQuorum string

const (
	// AckAny marks the user delivered on the first acknowledgment.
	AckAny AckQuorum = "any"
	// AckAll waits for every connection the notification was sent to.
	AckAll AckQuorum = "all"
)

// ParseAckQuorum reads a config value; empty means AckAny.
func ParseAckQuorum(s string) (AckQuorum, error) {
	switch q := AckQuorum(strings.ToLower(strings.TrimSpace(s))); q {
	case AckAny, AckAll:
		return q, nil
	case "":
		return AckAny, nil
	}
	return "", fmt.Errorf("unknown ack quorum %q", s)
}

// Transport writes one notification event to a live connection. Calls for the same
// connection must be written in call order.
type Transport interface {
	Deliver(connectionID string, n *domain.Notification) error
}

// OfflinePersister receives notifications whose acknowledgment never arrived.
type OfflinePersister interface {
	Enqueue(ctx context.Context, userID string, n *domain.Notification) (bool, error)
}

// TrackerConfig tunes acknowledgment timeouts, retries and record retention.
type TrackerConfig struct {
	AckTimeout time.Duration
	Quorum     AckQuorum
	Policies   RetryPolicies
	// Retention is how long finished records stay queryable.
	Retention time.Duration
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		AckTimeout: 30 * time.Second,
		Quorum:     AckAny,
		Policies:   DefaultRetryPolicies(),
		Retention:  15 * time.Minute,
	}
}

// DeliveryReport is the tracked state of one notification.
type DeliveryReport struct {
	NotificationID string                           `json:"notification_id"`
	Priority       domain.Priority                  `json:"priority"`
	Status         domain.DeliveryStatus            `json:"status"`
	Recipients     map[string]domain.DeliveryStatus `json:"recipients"`
	Attempts       []domain.DeliveryAttempt         `json:"attempts"`
}

// Tracker sends notifications to connections, waits for acknowledgments and retries
// per priority until the quorum is met or attempts run out.
type Tracker struct {
	transport Transport
	offline   OfflinePersister
	fallback  domain.FallbackSender
	cfg       TrackerConfig
	now       func() time.Time

	mu      sync.Mutex
	records map[string]*deliveryRecord
	closed  bool
}

type deliveryRecord struct {
	n            *domain.Notification
	status       domain.DeliveryStatus
	attempts     []domain.DeliveryAttempt
	recipients   map[string]*recipient
	byConn       map[string]*connDelivery
	fallbackSent map[string]bool
	updatedAt    time.Time
}

// recipient groups the connections of one user. Anonymous connections are their
// own recipient.
type recipient struct {
	key       string
	userID    string
	status    domain.DeliveryStatus
	conns     []*connDelivery
	persisted bool
}

type connDelivery struct {
	rcpt    *recipient
	conn    domain.Connection
	attempt int
	current int
	backoff backoff.BackOff
	timer   *time.Timer
	gen     int
	acked   bool
	failed  bool
	stopped bool
}

func (cd *connDelivery) done() bool {
	return cd.acked || cd.failed || cd.stopped
}

func (cd *connDelivery) stop() {
	cd.gen++
	if cd.timer != nil {
		cd.timer.Stop()
		cd.timer = nil
	}
}

// effects run after the tracker lock is released.
type effects struct {
	n        domain.Notification
	persist  []string
	fallback []string
}

// NewTracker fills zero fields of cfg from DefaultTrackerConfig.
func NewTracker(transport Transport, offline OfflinePersister, fallback domain.FallbackSender, cfg TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.Quorum == "" {
		cfg.Quorum = def.Quorum
	}
	if cfg.Policies.byPriority == nil {
		cfg.Policies = def.Policies
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Tracker{
		transport: transport,
		offline:   offline,
		fallback:  fallback,
		cfg:       cfg,
		now:       time.Now,
		records:   make(map[string]*deliveryRecord),
	}
}

// Send transmits n to each connection in order and tracks the attempts. Connections
// that already hold an open or finished delivery of n are skipped.
func (t *Tracker) Send(ctx context.Context, n *domain.Notification, conns ...domain.Connection) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if len(conns) == 0 {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	rec := t.records[n.ID]
	if rec == nil {
		cp := *n
		cp.DeliveryStatus = domain.StatusPending
		rec = &deliveryRecord{
			n:            &cp,
			status:       domain.StatusPending,
			recipients:   make(map[string]*recipient),
			byConn:       make(map[string]*connDelivery),
			fallbackSent: make(map[string]bool),
		}
		t.records[n.ID] = rec
	}

	var fresh []*connDelivery
	for _, c := range conns {
		if existing := rec.byConn[c.ID]; existing != nil && !existing.failed {
			continue
		}
		rc := rec.recipientFor(c)
		switch rc.status {
		case domain.StatusDelivered:
			continue
		case domain.StatusFailed:
			rc.status = domain.StatusAttempted
			rc.conns = nil
			rc.persisted = false
		}
		cd := &connDelivery{
			rcpt:    rc,
			conn:    c,
			current: -1,
			backoff: t.cfg.Policies.newBackOff(rec.n.Priority),
		}
		rc.conns = append(rc.conns, cd)
		rec.byConn[c.ID] = cd
		fresh = append(fresh, cd)
	}
	if len(fresh) > 0 {
		t.refreshStatus(rec)
	}
	t.mu.Unlock()

	for _, cd := range fresh {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.transmit(rec, cd)
	}
	return nil
}

func (rec *deliveryRecord) recipientFor(c domain.Connection) *recipient {
	key := c.UserID
	if key == "" {
		key = "conn:" + c.ID
	}
	rc := rec.recipients[key]
	if rc == nil {
		rc = &recipient{key: key, userID: c.UserID, status: domain.StatusAttempted}
		rec.recipients[key] = rc
	}
	return rc
}

func (t *Tracker) transmit(rec *deliveryRecord, cd *connDelivery) {
	t.mu.Lock()
	if t.closed || cd.done() || cd.rcpt.status.Terminal() {
		t.mu.Unlock()
		return
	}
	cd.attempt++
	cd.gen++
	gen := cd.gen
	rec.attempts = append(rec.attempts, domain.DeliveryAttempt{
		NotificationID: rec.n.ID,
		ConnectionID:   cd.conn.ID,
		AttemptNumber:  cd.attempt,
		SentAt:         t.now(),
	})
	cd.current = len(rec.attempts) - 1
	msg := *rec.n
	t.mu.Unlock()

	err := t.transport.Deliver(cd.conn.ID, &msg)

	var fx effects
	t.mu.Lock()
	if cd.gen == gen && !cd.done() {
		switch {
		case err != nil:
			t.resolveAttempt(rec, cd, domain.AttemptError)
			slog.Warn("notification send failed",
				slog.String("notification_id", rec.n.ID),
				slog.String("connection_id", cd.conn.ID),
				slog.Int("attempt", cd.attempt),
				slog.String("error", err.Error()))
			t.retryOrExhaust(rec, cd, &fx)
		case !rec.n.RequiresAck:
			t.resolveAttempt(rec, cd, domain.AttemptOK)
			cd.acked = true
			t.evaluate(rec, cd.rcpt, &fx)
		default:
			cd.timer = time.AfterFunc(t.cfg.AckTimeout, func() { t.onTimeout(rec, cd, gen) })
		}
	}
	t.mu.Unlock()
	t.apply(fx)
}

func (t *Tracker) onTimeout(rec *deliveryRecord, cd *connDelivery, gen int) {
	var fx effects
	t.mu.Lock()
	if t.closed || cd.gen != gen || cd.done() {
		t.mu.Unlock()
		return
	}
	cd.timer = nil
	t.resolveAttempt(rec, cd, domain.AttemptTimeout)
	slog.Debug("acknowledgment timed out",
		slog.String("notification_id", rec.n.ID),
		slog.String("connection_id", cd.conn.ID),
		slog.Int("attempt", cd.attempt))
	t.retryOrExhaust(rec, cd, &fx)
	t.mu.Unlock()
	t.apply(fx)
}

// retryOrExhaust must be called with t.mu held.
func (t *Tracker) retryOrExhaust(rec *deliveryRecord, cd *connDelivery, fx *effects) {
	policy := t.cfg.Policies.For(rec.n.Priority)
	if cd.attempt < policy.MaxAttempts && !cd.rcpt.status.Terminal() {
		wait := cd.backoff.NextBackOff()
		if wait == backoff.Stop {
			wait = t.cfg.Policies.Cap
		}
		observability.DeliveryRetries.WithLabelValues(rec.n.Priority.String()).Inc()
		gen := cd.gen
		cd.timer = time.AfterFunc(wait, func() { t.retry(rec, cd, gen) })
		return
	}

	cd.failed = true
	cd.stop()
	observability.DeliveryExhausted.WithLabelValues(rec.n.Priority.String()).Inc()
	slog.Warn("notification delivery exhausted",
		slog.String("notification_id", rec.n.ID),
		slog.String("connection_id", cd.conn.ID),
		slog.String("priority", rec.n.Priority.String()),
		slog.Int("attempts", cd.attempt))
	t.evaluate(rec, cd.rcpt, fx)
}

func (t *Tracker) retry(rec *deliveryRecord, cd *connDelivery, gen int) {
	t.mu.Lock()
	stale := t.closed || cd.gen != gen || cd.done()
	if !stale {
		cd.timer = nil
	}
	t.mu.Unlock()
	if !stale {
		t.transmit(rec, cd)
	}
}

// resolveAttempt must be called with t.mu held.
func (t *Tracker) resolveAttempt(rec *deliveryRecord, cd *connDelivery, result domain.AttemptResult) {
	if cd.current < 0 || rec.attempts[cd.current].Result != "" {
		return
	}
	rec.attempts[cd.current].Result = result
	observability.DeliveryAttempts.WithLabelValues(rec.n.Priority.String(), string(result)).Inc()
}

// evaluate applies the quorum to rc. Must be called with t.mu held.
func (t *Tracker) evaluate(rec *deliveryRecord, rc *recipient, fx *effects) {
	if rc.status.Terminal() {
		return
	}

	var acked, failed, open int
	for _, c := range rc.conns {
		switch {
		case c.acked:
			acked++
		case c.failed:
			failed++
		case !c.stopped:
			open++
		}
	}

	var delivered, lost bool
	if t.cfg.Quorum == AckAll {
		lost = failed > 0
		delivered = !lost && open == 0 && acked > 0
	} else {
		delivered = acked > 0
		lost = !delivered && open == 0
	}

	switch {
	case delivered:
		rc.status = domain.StatusDelivered
		t.stopOpen(rc)
	case lost:
		rc.status = domain.StatusFailed
		t.stopOpen(rc)
		t.planExhaustion(rec, rc, fx)
	default:
		return
	}
	t.refreshStatus(rec)
}

func (t *Tracker) stopOpen(rc *recipient) {
	for _, c := range rc.conns {
		if !c.done() {
			c.stopped = true
			c.stop()
		}
	}
}

// planExhaustion queues offline persistence and fallback for a failed recipient.
func (t *Tracker) planExhaustion(rec *deliveryRecord, rc *recipient, fx *effects) {
	if rc.userID == "" {
		return
	}
	fx.n = *rec.n
	fx.n.DeliveryStatus = domain.StatusPending
	if rec.n.RequiresAck && !rc.persisted && t.offline != nil {
		rc.persisted = true
		fx.persist = append(fx.persist, rc.userID)
	}
	if t.cfg.Policies.For(rec.n.Priority).Fallback && !rec.fallbackSent[rc.userID] && t.fallback != nil {
		rec.fallbackSent[rc.userID] = true
		fx.fallback = append(fx.fallback, rc.userID)
	}
}

// refreshStatus derives the notification status from its recipients. Must be called
// with t.mu held.
func (t *Tracker) refreshStatus(rec *deliveryRecord) {
	status := domain.StatusDelivered
	anyFailed := false
	for _, rc := range rec.recipients {
		switch rc.status {
		case domain.StatusFailed:
			anyFailed = true
		case domain.StatusDelivered:
		default:
			status = domain.StatusAttempted
		}
	}
	if status == domain.StatusDelivered && anyFailed {
		status = domain.StatusFailed
	}
	if len(rec.recipients) == 0 {
		status = domain.StatusPending
	}
	rec.status = status
	rec.n.DeliveryStatus = status
	rec.updatedAt = t.now()
}

func (t *Tracker) apply(fx effects) {
	if len(fx.persist) == 0 && len(fx.fallback) == 0 {
		return
	}
	n := fx.n
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, userID := range fx.persist {
		if _, err := t.offline.Enqueue(ctx, userID, &n); err != nil {
			slog.Error("failed to persist exhausted notification",
				slog.String("notification_id", n.ID),
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}
	for _, userID := range fx.fallback {
		result := "ok"
		if err := t.fallback.SendFallback(ctx, userID, &n); err != nil {
			result = "error"
			slog.Error("fallback send failed",
				slog.String("notification_id", n.ID),
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
		observability.FallbackDispatches.WithLabelValues(n.Priority.String(), result).Inc()
	}
}

// OnAck records an acknowledgment from connectionID. It reports false for unknown
// deliveries and for repeated acknowledgments.
func (t *Tracker) OnAck(notificationID, connectionID string) bool {
	var fx effects
	t.mu.Lock()
	rec := t.records[notificationID]
	if rec == nil {
		t.mu.Unlock()
		return false
	}
	cd := rec.byConn[connectionID]
	if cd == nil || cd.acked || cd.failed || cd.current < 0 {
		t.mu.Unlock()
		return false
	}

	attempt := &rec.attempts[cd.current]
	if attempt.Result == "" {
		rtt := t.now().Sub(attempt.SentAt)
		ms := rtt.Milliseconds()
		attempt.RoundTripMS = &ms
		t.resolveAttempt(rec, cd, domain.AttemptOK)
		observability.AckRoundTrip.WithLabelValues(rec.n.Priority.String()).Observe(rtt.Seconds())
	}
	cd.acked = true
	cd.stop()
	t.evaluate(rec, cd.rcpt, &fx)
	t.mu.Unlock()

	t.apply(fx)
	return true
}

// Status returns the aggregate delivery status of a tracked notification.
func (t *Tracker) Status(notificationID string) (domain.DeliveryStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[notificationID]
	if rec == nil {
		return "", domain.ErrNotificationUnknown
	}
	return rec.status, nil
}

// Attempts returns a copy of the attempts made for a notification, in send order.
func (t *Tracker) Attempts(notificationID string) ([]domain.DeliveryAttempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[notificationID]
	if rec == nil {
		return nil, domain.ErrNotificationUnknown
	}
	return copyAttempts(rec.attempts), nil
}

// Report summarises per-recipient outcomes for a tracked notification.
func (t *Tracker) Report(notificationID string) (*DeliveryReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[notificationID]
	if rec == nil {
		return nil, domain.ErrNotificationUnknown
	}
	report := &DeliveryReport{
		NotificationID: rec.n.ID,
		Priority:       rec.n.Priority,
		Status:         rec.status,
		Recipients:     make(map[string]domain.DeliveryStatus, len(rec.recipients)),
		Attempts:       copyAttempts(rec.attempts),
	}
	for key, rc := range rec.recipients {
		report.Recipients[key] = rc.status
	}
	return report, nil
}

func copyAttempts(in []domain.DeliveryAttempt) []domain.DeliveryAttempt {
	out := make([]domain.DeliveryAttempt, len(in))
	for i, a := range in {
		out[i] = a
		if a.RoundTripMS != nil {
			ms := *a.RoundTripMS
			out[i].RoundTripMS = &ms
		}
	}
	return out
}

// Purge drops finished records older than the retention window.
func (t *Tracker) Purge() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.cfg.Retention)
	removed := 0
	for id, rec := range t.records {
		if rec.status.Terminal() && rec.updatedAt.Before(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	return removed
}

// Run purges finished records periodically and stops every timer when ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Close()
			slog.Info("delivery tracker stopped")
			return ctx.Err()
		case <-ticker.C:
			if n := t.Purge(); n > 0 {
				slog.Debug("purged delivery records", slog.Int("count", n))
			}
		}
	}
}

// Close cancels all pending acknowledgment and retry timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, rec := range t.records {
		for _, cd := range rec.byConn {
			cd.stop()
		}
	}
}
