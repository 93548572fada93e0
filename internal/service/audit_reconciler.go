package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/observability"
)

const reconcileBatch = 200

// AuditReconciler replays session deletions that failed while the store was
// degraded and marks the audit trail reconciled once the store answers again.
type AuditReconciler struct {
	audit    domain.AuditRepository
	store    domain.SessionStore
	sessions *SessionManager
}

func NewAuditReconciler(audit domain.AuditRepository, store domain.SessionStore, sessions *SessionManager) *AuditReconciler {
	return &AuditReconciler{audit: audit, store: store, sessions: sessions}
}

// Reconcile processes one batch. Nothing is done while the store is degraded.
// Events whose replay fails stay unreconciled for the next pass.
func (r *AuditReconciler) Reconcile(ctx context.Context) (int, error) {
	if err := r.sessions.Ping(ctx); err != nil {
		return 0, nil
	}

	events, err := r.audit.ListUnreconciled(ctx, domain.AuditFilter{Limit: reconcileBatch})
	if err != nil {
		return 0, fmt.Errorf("list unreconciled audit: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	done := make([]string, 0, len(events))
	for _, event := range events {
		switch event.Action {
		case domain.AuditSessionDestroyed, domain.AuditSessionRevoked:
			if err := r.store.Delete(ctx, event.SessionID); err != nil {
				slog.Warn("replaying session delete failed",
					slog.String("session_id", observability.RedactID(event.SessionID)),
					slog.String("error", err.Error()))
				continue
			}
		}
		done = append(done, event.ID)
	}

	if err := r.audit.MarkReconciled(ctx, done); err != nil {
		return 0, fmt.Errorf("mark audit reconciled: %w", err)
	}
	return len(done), nil
}

// Run reconciles on every tick until ctx is cancelled.
func (r *AuditReconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping audit reconciler")
			return
		case <-ticker.C:
			n, err := r.Reconcile(ctx)
			if err != nil {
				slog.Error("audit reconciliation failed", slog.String("error", err.Error()))
			} else if n > 0 {
				slog.Info("session audit reconciled", slog.Int("events", n))
			}
		}
	}
}
