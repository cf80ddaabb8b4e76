package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"disputeflow/audit"
	"disputeflow/review"
)

// EscalateToManual flags a dispute for human attention, moves it to
// needs_manual and enqueues a review item with the standard checklist. This
// is the safety valve for anything the automation cannot confidently resolve.
func (s *Service) EscalateToManual(ctx context.Context, disputeID, reason string, severity review.Severity, actor Actor) error {
	if !review.ValidSeverity(severity) {
		return fmt.Errorf("dispute: unknown severity %q", severity)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := getForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if err := s.escalateTx(ctx, tx, &rec, reason, severity, actor); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit escalation: %w", err)
	}
	return nil
}

// escalateTx applies the escalation inside the caller's transaction so
// webhook-driven escalations share the dedup transaction.
func (s *Service) escalateTx(ctx context.Context, tx pgx.Tx, rec *Record, reason string, severity review.Severity, actor Actor) error {
	if _, err := tx.Exec(ctx,
		`UPDATE disputes SET needs_manual=true, last_error=$1, updated_at=now() WHERE id=$2`,
		reason, rec.ID,
	); err != nil {
		return fmt.Errorf("dispute: flag manual: %w", err)
	}
	rec.NeedsManual = true
	rec.LastError = &reason

	if err := s.transitionTx(ctx, tx, rec, StatusNeedsManual, reason, actor); err != nil {
		return err
	}

	item, err := s.reviews.CreateTx(ctx, tx, review.CreateParams{
		ChannelID: rec.ChannelID,
		Type:      "dispute_escalation",
		Severity:  severity,
		RefType:   "dispute",
		RefID:     rec.ID,
		Title:     fmt.Sprintf("Dispute %s needs manual review", rec.ProviderCaseID),
		Summary:   reason,
	})
	if err != nil {
		return err
	}

	auditSeverity := audit.SeverityWarn
	if severity == review.SeverityCritical {
		auditSeverity = audit.SeverityCritical
	}
	if _, err := s.auditor.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: rec.ChannelID,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Action:    actionEscalated,
		Severity:  auditSeverity,
		RefType:   "dispute",
		RefID:     rec.ID,
		Meta:      map[string]any{"reason": reason, "review_item_id": item.ID, "severity": string(severity)},
	}); err != nil {
		return err
	}

	return insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: rec.ChannelID,
		DisputeID: rec.ID,
		Kind:      KindEscalated,
		Message:   "Escalated to manual review",
		Meta:      map[string]any{"reason": reason, "severity": string(severity), "review_item_id": item.ID},
	})
}
