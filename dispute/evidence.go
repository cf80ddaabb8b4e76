package dispute

import (
	"context"
	"errors"
	"fmt"

	"disputeflow/audit"
	"disputeflow/orders"
)

var (
	// ErrOrderNotLinked signals evidence generation was requested for a
	// dispute with no associated order.
	ErrOrderNotLinked = errors.New("dispute: no order linked")
	// ErrNoEvidencePack signals submission was requested before generation
	// ever succeeded.
	ErrNoEvidencePack = errors.New("dispute: no evidence pack")
)

// GenerateEvidencePack builds an evidence pack from the linked order and
// advances the dispute to evidence_ready. Generation is treated as
// instantaneous: once the order data is available it always succeeds, so no
// partial-generation state exists.
func (s *Service) GenerateEvidencePack(ctx context.Context, disputeID string, actor Actor) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := getForUpdate(ctx, tx, disputeID)
	if err != nil {
		return "", err
	}
	if rec.OrderID == nil {
		return "", fmt.Errorf("%w: dispute %s", ErrOrderNotLinked, disputeID)
	}

	snap, err := s.orders.OrderSnapshot(ctx, *rec.OrderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return "", fmt.Errorf("dispute: order %s: %w", *rec.OrderID, ErrNotFound)
		}
		return "", fmt.Errorf("dispute: load order snapshot: %w", err)
	}

	pack, err := insertEvidencePack(ctx, tx, EvidencePack{
		DisputeID:          rec.ID,
		Status:             PackReady,
		TrackingNumber:     snap.TrackingNumber,
		ProductDescription: fmt.Sprintf("%d item(s): %s", snap.ItemCount, snap.ProductSummary),
		CustomerCommunication: CommunicationFlags{
			OrderConfirmationSent:    true,
			ShippingNotificationSent: snap.ShippedAt != nil,
			DeliveryConfirmed:        snap.DeliveredAt != nil,
		},
		AdditionalEvidence: OrderEvidence{
			OrderID:     snap.OrderID,
			TotalCents:  snap.TotalCents,
			Currency:    snap.Currency,
			ItemCount:   snap.ItemCount,
			ShippedAt:   snap.ShippedAt,
			DeliveredAt: snap.DeliveredAt,
		},
	})
	if err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx, `UPDATE disputes SET evidence_pack_id=$1, updated_at=now() WHERE id=$2`, pack.ID, rec.ID); err != nil {
		return "", fmt.Errorf("dispute: link evidence pack: %w", err)
	}
	rec.EvidencePackID = &pack.ID

	if err := insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: rec.ChannelID,
		DisputeID: rec.ID,
		Kind:      KindEvidenceGenerated,
		Message:   "Evidence pack generated from order data",
		Meta:      map[string]any{"evidence_pack_id": pack.ID, "order_id": snap.OrderID},
	}); err != nil {
		return "", err
	}

	if _, err := s.auditor.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: rec.ChannelID,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Action:    actionEvidenceGenerated,
		Severity:  audit.SeverityInfo,
		RefType:   "evidence_pack",
		RefID:     pack.ID,
		Meta:      map[string]any{"dispute_id": rec.ID, "order_id": snap.OrderID},
	}); err != nil {
		return "", err
	}

	// Freshly created disputes haven't been asked for evidence yet; take
	// that edge first so the chain below stays legal.
	if rec.Status == StatusOpen {
		if err := s.transitionTx(ctx, tx, &rec, StatusEvidenceRequired, "evidence generation started", actor); err != nil {
			return "", err
		}
	}
	if err := s.transitionTx(ctx, tx, &rec, StatusEvidenceBuilding, "", actor); err != nil {
		return "", err
	}
	if err := s.transitionTx(ctx, tx, &rec, StatusEvidenceReady, "", actor); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("dispute: commit evidence generation: %w", err)
	}
	return pack.ID, nil
}

// SubmitEvidence hands the dispute's evidence pack to the provider and moves
// the dispute to submitted. The provider call happens before any local
// mutation: if it fails, pack and dispute are left untouched and the error is
// surfaced for a caller-driven retry.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID string, actor Actor) error {
	rec, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if rec.EvidencePackID == nil {
		return fmt.Errorf("%w: dispute %s", ErrNoEvidencePack, disputeID)
	}
	pack, err := s.repo.EvidencePack(ctx, *rec.EvidencePackID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: pack %s missing", ErrNoEvidencePack, *rec.EvidencePackID)
		}
		return err
	}
	if !CanTransition(rec.Status, StatusSubmitted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, StatusSubmitted)
	}

	client, ok := s.providers[rec.Provider]
	if !ok || client == nil {
		return fmt.Errorf("%w: provider %s", ErrNoProviderClient, rec.Provider)
	}

	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	if err := client.SubmitEvidence(callCtx, SubmitEvidenceParams{
		ProviderCaseID:     rec.ProviderCaseID,
		TrackingNumber:     pack.TrackingNumber,
		ProductDescription: pack.ProductDescription,
		Notes:              rec.Reason,
	}); err != nil {
		return fmt.Errorf("%w: submit evidence: %v", ErrUpstream, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err = getForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if err := markPackSubmitted(ctx, tx, pack.ID, s.now().UTC()); err != nil {
		return err
	}

	if err := insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: rec.ChannelID,
		DisputeID: rec.ID,
		Kind:      KindEvidenceSubmitted,
		Message:   fmt.Sprintf("Evidence submitted to %s", rec.Provider),
		Meta:      map[string]any{"evidence_pack_id": pack.ID},
	}); err != nil {
		return err
	}

	if _, err := s.auditor.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: rec.ChannelID,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Action:    actionEvidenceSubmitted,
		Severity:  audit.SeverityInfo,
		RefType:   "evidence_pack",
		RefID:     pack.ID,
		Meta:      map[string]any{"dispute_id": rec.ID, "provider": string(rec.Provider)},
	}); err != nil {
		return err
	}

	if err := s.transitionTx(ctx, tx, &rec, StatusSubmitted, "evidence submitted", actor); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit evidence submission: %w", err)
	}
	return nil
}
