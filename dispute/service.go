package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/audit"
	"disputeflow/orders"
	"disputeflow/review"
)

// Audit log actions written by the engine.
const (
	actionDisputeCreated    = "DISPUTE_CREATED"
	actionStatusChange      = "DISPUTE_STATUS_CHANGE"
	actionEvidenceGenerated = "EVIDENCE_PACK_GENERATED"
	actionEvidenceSubmitted = "EVIDENCE_SUBMITTED"
	actionEscalated         = "DISPUTE_ESCALATED"
	actionDisputeUpdated    = "DISPUTE_UPDATED"
	actionDuplicateFlagged  = "DUPLICATE_CASE_FLAGGED"
)

// AuditAppender abstracts the audit chain writer for testability.
type AuditAppender interface {
	AppendTx(ctx context.Context, tx pgx.Tx, params audit.AppendParams) (audit.Entry, error)
}

// ReviewCreator abstracts the review queue for testability.
type ReviewCreator interface {
	CreateTx(ctx context.Context, tx pgx.Tx, params review.CreateParams) (review.Item, error)
}

// OrderLookup is the narrow order-storage collaborator used for evidence
// generation.
type OrderLookup interface {
	OrderSnapshot(ctx context.Context, orderID string) (orders.Snapshot, error)
}

// Service is the dispute resolution engine. Every status write funnels
// through transitionTx; collaborators are injected so tests can use doubles.
type Service struct {
	pool      *pgxpool.Pool
	repo      *Repository
	auditor   AuditAppender
	reviews   ReviewCreator
	orders    OrderLookup
	providers map[Provider]ProviderClient
	now       func() time.Time
}

func NewService(pool *pgxpool.Pool, auditor AuditAppender, reviews ReviewCreator, lookup OrderLookup, providers map[Provider]ProviderClient) *Service {
	return &Service{
		pool:      pool,
		repo:      NewRepository(pool),
		auditor:   auditor,
		reviews:   reviews,
		orders:    lookup,
		providers: providers,
		now:       time.Now,
	}
}

// CreateParams describes an operator-created dispute.
type CreateParams struct {
	ChannelID      string
	OrderID        *string
	Provider       Provider
	ProviderCaseID string
	Reason         string
	AmountCents    int64
	Currency       string
}

// Create registers a dispute in open status.
func (s *Service) Create(ctx context.Context, params CreateParams, actor Actor) (Record, error) {
	if params.ChannelID == "" {
		return Record{}, fmt.Errorf("dispute: missing channel id")
	}
	if !ValidProvider(params.Provider) {
		return Record{}, fmt.Errorf("dispute: unknown provider %q", params.Provider)
	}
	if params.ProviderCaseID == "" {
		return Record{}, fmt.Errorf("dispute: missing provider case id")
	}
	if params.AmountCents <= 0 {
		return Record{}, fmt.Errorf("dispute: amount must be positive")
	}
	if len(params.Currency) != 3 {
		return Record{}, fmt.Errorf("dispute: invalid currency %q", params.Currency)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := insertDispute(ctx, tx, insertDisputeParams{
		ChannelID:      params.ChannelID,
		OrderID:        params.OrderID,
		Provider:       params.Provider,
		ProviderCaseID: params.ProviderCaseID,
		Status:         StatusOpen,
		Reason:         params.Reason,
		AmountCents:    params.AmountCents,
		Currency:       params.Currency,
	})
	if err != nil {
		return Record{}, err
	}

	if err := insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: rec.ChannelID,
		DisputeID: rec.ID,
		Kind:      KindDisputeCreated,
		Message:   fmt.Sprintf("Dispute opened for %s case %s", rec.Provider, rec.ProviderCaseID),
		Meta:      map[string]any{"reason": rec.Reason, "amount_cents": rec.AmountCents, "currency": rec.Currency},
	}); err != nil {
		return Record{}, err
	}

	if _, err := s.auditor.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: rec.ChannelID,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Action:    actionDisputeCreated,
		Severity:  audit.SeverityInfo,
		RefType:   "dispute",
		RefID:     rec.ID,
		After:     map[string]any{"status": string(rec.Status)},
		Meta:      map[string]any{"provider": string(rec.Provider), "provider_case_id": rec.ProviderCaseID},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	return rec, nil
}

// List returns a channel's disputes and the unpaged total.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	if filters.Status != "" && !ValidStatus(filters.Status) {
		return nil, 0, fmt.Errorf("dispute: unknown status %q", filters.Status)
	}
	return s.repo.List(ctx, filters)
}

// Detail bundles a dispute with its timeline and evidence pack, if any.
type Detail struct {
	Dispute  Record
	Timeline []TimelineEntry
	Pack     *EvidencePack
}

// Get returns a dispute with its full timeline and linked evidence pack.
func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	timeline, err := s.repo.Timeline(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	detail := Detail{Dispute: rec, Timeline: timeline}
	if rec.EvidencePackID != nil {
		pack, err := s.repo.EvidencePack(ctx, *rec.EvidencePackID)
		if err != nil {
			return Detail{}, err
		}
		detail.Pack = &pack
	}
	return detail, nil
}

// Stats aggregates a channel's dispute counts and win rate.
func (s *Service) Stats(ctx context.Context, channelID string) (Stats, error) {
	return s.repo.Stats(ctx, channelID)
}
