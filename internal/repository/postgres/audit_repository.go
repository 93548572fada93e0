package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"session-notify/internal/domain"
)

const (
	auditTable        = "session_audit"
	auditPrimaryKey   = "session_audit_pkey"
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// psq builds statements with $n placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var auditColumns = []string{"id", "session_id", "user_id", "action", "reason", "occurred_at", "reconciled"}

// AuditRepository is the durable trail written while the session store is
// degraded and read back by operators for reconciliation.
type AuditRepository struct {
	db  *sql.DB
	tx  *TxManager
	now func() time.Time
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db, tx: NewTxManager(db), now: time.Now}
}

// Write inserts the event. Replaying an event with an id already stored succeeds.
func (r *AuditRepository) Write(ctx context.Context, event domain.SessionAuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}

	query, args, err := psq.Insert(auditTable).
		Columns("id", "session_id", "user_id", "action", "reason", "occurred_at").
		Values(event.ID, event.SessionID, event.UserID, string(event.Action), event.Reason, event.OccurredAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building audit insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err, auditPrimaryKey) {
			return nil
		}
		return fmt.Errorf("inserting session audit: %w", err)
	}
	return nil
}

// WriteSessionAudit satisfies domain.AuditWriter.
func (r *AuditRepository) WriteSessionAudit(ctx context.Context, event domain.SessionAuditEvent) error {
	return r.Write(ctx, event)
}

// ListUnreconciled returns unreconciled events oldest-first.
func (r *AuditRepository) ListUnreconciled(ctx context.Context, filter domain.AuditFilter) ([]domain.SessionAuditEvent, error) {
	qb := psq.Select(auditColumns...).
		From(auditTable).
		Where(sq.Eq{"reconciled": false})

	if filter.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": filter.SessionID})
	}
	if filter.UserID != "" {
		qb = qb.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.Action != "" {
		qb = qb.Where(sq.Eq{"action": string(filter.Action)})
	}
	if filter.Since != nil {
		qb = qb.Where(sq.GtOrEq{"occurred_at": filter.Since.UTC()})
	}

	limit := filter.Limit
	if limit == 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	qb = qb.OrderBy("occurred_at ASC").Limit(limit)

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]domain.SessionAuditEvent, 0, limit)
	for rows.Next() {
		var (
			event  domain.SessionAuditEvent
			action string
		)
		if err := rows.Scan(&event.ID, &event.SessionID, &event.UserID, &action,
			&event.Reason, &event.OccurredAt, &event.Reconciled); err != nil {
			return nil, fmt.Errorf("scanning session audit: %w", err)
		}
		event.Action = domain.SessionAuditAction(action)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session audit rows: %w", err)
	}
	return events, nil
}

// MarkReconciled flags the given events in one transaction.
func (r *AuditRepository) MarkReconciled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := psq.Update(auditTable).
		Set("reconciled", true).
		Set("reconciled_at", r.now().UTC()).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"reconciled": false}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building reconcile update: %w", err)
	}

	return r.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("marking session audit reconciled: %w", err)
		}
		return nil
	})
}
