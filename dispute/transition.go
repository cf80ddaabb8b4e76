package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"disputeflow/audit"
)

// Transition moves a dispute to target if the transition table allows it.
// This is the single choke point for status changes: it validates the edge
// under a row lock, updates the row, and writes the timeline and audit
// entries in the same transaction.
func (s *Service) Transition(ctx context.Context, disputeID string, target Status, reason string, actor Actor) error {
	if !ValidStatus(target) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
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
	if err := s.transitionTx(ctx, tx, &rec, target, reason, actor); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit transition: %w", err)
	}
	return nil
}

// transitionTx applies one edge inside the caller's transaction. rec must
// have been loaded with getForUpdate in the same transaction; its Status and
// UpdatedAt are refreshed on success so chained transitions compose.
func (s *Service) transitionTx(ctx context.Context, tx pgx.Tx, rec *Record, target Status, reason string, actor Actor) error {
	from := rec.Status
	if !CanTransition(from, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}

	// Evidence must be linked before a dispute can ever reach submitted.
	if target == StatusSubmitted && rec.EvidencePackID == nil {
		return fmt.Errorf("%w: %s -> %s without evidence pack", ErrInvalidTransition, from, target)
	}

	const updateSQL = `UPDATE disputes SET status=$1, updated_at=now() WHERE id=$2 RETURNING updated_at`
	if err := tx.QueryRow(ctx, updateSQL, target, rec.ID).Scan(&rec.UpdatedAt); err != nil {
		return fmt.Errorf("dispute: update status: %w", err)
	}
	rec.Status = target

	meta := map[string]any{"from": string(from), "to": string(target)}
	if reason != "" {
		meta["reason"] = reason
	}
	if err := insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: rec.ChannelID,
		DisputeID: rec.ID,
		Kind:      KindStatusChange,
		Message:   fmt.Sprintf("Status changed from %s to %s", from, target),
		Meta:      meta,
	}); err != nil {
		return err
	}

	if _, err := s.auditor.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: rec.ChannelID,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Action:    actionStatusChange,
		Severity:  audit.SeverityInfo,
		RefType:   "dispute",
		RefID:     rec.ID,
		Before:    map[string]any{"status": string(from)},
		After:     map[string]any{"status": string(target)},
		Meta:      meta,
	}); err != nil {
		return err
	}

	return nil
}

// Resolve applies the provider's outcome and closes the dispute. Both
// transitions and their timeline/audit entries commit as a unit, so a crash
// can never park the dispute in won or lost.
func (s *Service) Resolve(ctx context.Context, disputeID string, outcome Status, notes string, actor Actor) error {
	if outcome != StatusWon && outcome != StatusLost {
		return fmt.Errorf("%w: outcome must be won or lost, got %q", ErrInvalidTransition, outcome)
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
	if err := s.transitionTx(ctx, tx, &rec, outcome, notes, actor); err != nil {
		return err
	}
	if err := s.transitionTx(ctx, tx, &rec, StatusClosed, "resolution recorded", actor); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return nil
}
