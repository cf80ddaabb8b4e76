package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"disputeflow/audit"
	"disputeflow/review"
)

// PayPal webhook event types the engine understands. Anything else is
// rejected without being recorded as seen, so the provider keeps retrying
// until the engine learns the type.
const (
	EventDisputeCreated  = "CUSTOMER.DISPUTE.CREATED"
	EventDisputeUpdated  = "CUSTOMER.DISPUTE.UPDATED"
	EventDisputeResolved = "CUSTOMER.DISPUTE.RESOLVED"
)

var (
	// ErrUnsupportedEvent signals a webhook event type the engine does not
	// handle.
	ErrUnsupportedEvent = errors.New("dispute: unsupported webhook event type")
	// ErrBadPayload signals a webhook body that could not be decoded.
	ErrBadPayload = errors.New("dispute: malformed webhook payload")
)

// CreatedEvent is the parsed form of CUSTOMER.DISPUTE.CREATED.
type CreatedEvent struct {
	CaseID      string
	Reason      string
	AmountCents int64
	Currency    string
	ResponseDue *time.Time
}

// UpdatedEvent is the parsed form of CUSTOMER.DISPUTE.UPDATED.
type UpdatedEvent struct {
	CaseID      string
	Reason      string
	ResponseDue *time.Time
}

// ResolvedEvent is the parsed form of CUSTOMER.DISPUTE.RESOLVED.
type ResolvedEvent struct {
	CaseID      string
	OutcomeCode string
}

// Event is a decoded webhook notification. Exactly one of the variant
// pointers is set, selected by Type.
type Event struct {
	ID       string
	Type     string
	Created  *CreatedEvent
	Updated  *UpdatedEvent
	Resolved *ResolvedEvent
}

type paypalEnvelope struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		DisputeID     string `json:"dispute_id"`
		Reason        string `json:"reason"`
		DisputeAmount struct {
			Value        string `json:"value"`
			CurrencyCode string `json:"currency_code"`
		} `json:"dispute_amount"`
		SellerResponseDueDate string `json:"seller_response_due_date"`
		DisputeOutcome        struct {
			OutcomeCode string `json:"outcome_code"`
		} `json:"dispute_outcome"`
	} `json:"resource"`
}

// ParsePayPalEvent decodes a PayPal dispute webhook body into a typed event.
func ParsePayPalEvent(body []byte) (Event, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if env.ID == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrBadPayload)
	}
	if env.Resource.DisputeID == "" {
		return Event{}, fmt.Errorf("%w: missing dispute id", ErrBadPayload)
	}

	evt := Event{ID: env.ID, Type: env.EventType}

	var responseDue *time.Time
	if env.Resource.SellerResponseDueDate != "" {
		ts, err := time.Parse(time.RFC3339, env.Resource.SellerResponseDueDate)
		if err != nil {
			return Event{}, fmt.Errorf("%w: bad seller_response_due_date: %v", ErrBadPayload, err)
		}
		responseDue = &ts
	}

	switch env.EventType {
	case EventDisputeCreated:
		cents, err := ParseAmountCents(env.Resource.DisputeAmount.Value)
		if err != nil {
			return Event{}, err
		}
		currency := env.Resource.DisputeAmount.CurrencyCode
		if len(currency) != 3 {
			return Event{}, fmt.Errorf("%w: bad currency %q", ErrBadPayload, currency)
		}
		evt.Created = &CreatedEvent{
			CaseID:      env.Resource.DisputeID,
			Reason:      env.Resource.Reason,
			AmountCents: cents,
			Currency:    currency,
			ResponseDue: responseDue,
		}
	case EventDisputeUpdated:
		evt.Updated = &UpdatedEvent{
			CaseID:      env.Resource.DisputeID,
			Reason:      env.Resource.Reason,
			ResponseDue: responseDue,
		}
	case EventDisputeResolved:
		if env.Resource.DisputeOutcome.OutcomeCode == "" {
			return Event{}, fmt.Errorf("%w: resolved event without outcome code", ErrBadPayload)
		}
		evt.Resolved = &ResolvedEvent{
			CaseID:      env.Resource.DisputeID,
			OutcomeCode: env.Resource.DisputeOutcome.OutcomeCode,
		}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.EventType)
	}
	return evt, nil
}

// ParseAmountCents converts a provider decimal amount string ("42.50") to
// integer cents. Sub-cent precision is rejected rather than rounded.
func ParseAmountCents(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("%w: bad amount %q", ErrBadPayload, value)
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: sub-cent amount %q", ErrBadPayload, value)
	}
	if cents.Sign() <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount %q", ErrBadPayload, value)
	}
	return cents.IntPart(), nil
}

// IngestResult reports what an accepted webhook did. Accepted is serialized
// as "success": webhook callers key on that name to decide whether to retry.
type IngestResult struct {
	Accepted  bool   `json:"success"`
	Message   string `json:"message"`
	DisputeID string `json:"disputeId,omitempty"`
}

// TxBeginner is the slice of pgxpool.Pool webhook ingestion needs.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DedupInserter reserves webhook event ids inside the ingestion transaction.
type DedupInserter interface {
	InsertDedup(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, eventID string) error
}

// EventApplier applies a parsed event's business effect inside the
// ingestion transaction. Service implements it.
type EventApplier interface {
	ApplyCreated(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, evt CreatedEvent) (IngestResult, error)
	ApplyUpdated(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, evt UpdatedEvent) (IngestResult, error)
	ApplyResolved(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, evt ResolvedEvent) (IngestResult, error)
}

type dedupStore struct{}

func (dedupStore) InsertDedup(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, eventID string) error {
	return insertDedup(ctx, tx, channelID, provider, eventID)
}

// WebhookService verifies, deduplicates and applies provider webhooks. The
// signature check happens before anything touches the database; the dedup
// reservation and the event's effect commit atomically, so an event is
// marked seen only once its effect is durable.
type WebhookService struct {
	pool      TxBeginner
	dedup     DedupInserter
	events    EventApplier
	providers map[Provider]ProviderClient
	log       *logrus.Logger
}

func NewWebhookService(pool TxBeginner, dedup DedupInserter, events EventApplier, providers map[Provider]ProviderClient, log *logrus.Logger) *WebhookService {
	if dedup == nil {
		dedup = dedupStore{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WebhookService{pool: pool, dedup: dedup, events: events, providers: providers, log: log}
}

// HandlePayPal verifies a PayPal webhook's transmission signature, parses
// the body and ingests the event. sig.Body carries the raw request body.
func (s *WebhookService) HandlePayPal(ctx context.Context, channelID string, sig VerifySignatureParams) (IngestResult, error) {
	client, ok := s.providers[ProviderPayPal]
	if !ok || client == nil {
		return IngestResult{}, fmt.Errorf("%w: provider %s", ErrNoProviderClient, ProviderPayPal)
	}

	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	valid, err := client.VerifyWebhookSignature(callCtx, sig)
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: verify webhook signature: %v", ErrUpstream, err)
	}
	if !valid {
		return IngestResult{}, fmt.Errorf("%w: webhook signature rejected", ErrUnauthorized)
	}

	evt, err := ParsePayPalEvent(sig.Body)
	if err != nil {
		return IngestResult{}, err
	}
	return s.Ingest(ctx, channelID, ProviderPayPal, evt)
}

// Ingest applies a verified event. Replays commit nothing and report
// success, so provider retries are always safe.
func (s *WebhookService) Ingest(ctx context.Context, channelID string, provider Provider, evt Event) (IngestResult, error) {
	if channelID == "" {
		return IngestResult{}, fmt.Errorf("dispute: missing channel id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return IngestResult{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.dedup.InsertDedup(ctx, tx, channelID, provider, evt.ID); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			s.log.WithFields(logrus.Fields{
				"channel_id": channelID,
				"provider":   provider,
				"event_id":   evt.ID,
			}).Info("webhook replay ignored")
			return IngestResult{Accepted: true, Message: "Webhook already processed"}, nil
		}
		return IngestResult{}, err
	}

	var res IngestResult
	switch {
	case evt.Created != nil:
		res, err = s.events.ApplyCreated(ctx, tx, channelID, provider, *evt.Created)
	case evt.Updated != nil:
		res, err = s.events.ApplyUpdated(ctx, tx, channelID, provider, *evt.Updated)
	case evt.Resolved != nil:
		res, err = s.events.ApplyResolved(ctx, tx, channelID, provider, *evt.Resolved)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedEvent, evt.Type)
	}
	if err != nil {
		return IngestResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return IngestResult{}, fmt.Errorf("dispute: commit webhook: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"channel_id": channelID,
		"provider":   provider,
		"event_id":   evt.ID,
		"event_type": evt.Type,
		"dispute_id": res.DisputeID,
	}).Info("webhook processed")
	return res, nil
}

// ApplyCreated opens a dispute for a new provider case. A second CREATED for
// a case already tracked (under a fresh event id) is recorded as a duplicate
// row instead of touching the original.
func (s *Service) ApplyCreated(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, evt CreatedEvent) (IngestResult, error) {
	original, found, err := findByProviderCase(ctx, tx, channelID, provider, evt.CaseID)
	if err != nil {
		return IngestResult{}, err
	}
	if found {
		return s.flagDuplicateCase(ctx, tx, original, provider, evt)
	}

	rec, err := insertDispute(ctx, tx, insertDisputeParams{
		ChannelID:        channelID,
		Provider:         provider,
		ProviderCaseID:   evt.CaseID,
		Status:           StatusOpen,
		Reason:           evt.Reason,
		AmountCents:      evt.AmountCents,
		Currency:         evt.Currency,
		EvidenceDeadline: evt.ResponseDue,
	})
	if err != nil {
		return IngestResult{}, err
	}

	if err := insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: channelID,
		DisputeID: rec.ID,
		Kind:      KindWebhookReceived,
		Message:   fmt.Sprintf("%s received for case %s", EventDisputeCreated, evt.CaseID),
		Meta:      map[string]any{"reason": evt.Reason, "amount_cents": evt.AmountCents, "currency": evt.Currency},
	}); err != nil {
		return IngestResult{}, err
	}

	if _, err := s.auditor.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: channelID,
		ActorType: audit.ActorSystem,
		Action:    actionDisputeCreated,
		Severity:  audit.SeverityInfo,
		RefType:   "dispute",
		RefID:     rec.ID,
		After:     map[string]any{"status": string(rec.Status)},
		Meta:      map[string]any{"provider": string(provider), "provider_case_id": evt.CaseID},
	}); err != nil {
		return IngestResult{}, err
	}

	return IngestResult{Accepted: true, Message: "Dispute opened", DisputeID: rec.ID}, nil
}

// flagDuplicateCase records a second CREATED notification for an already
// tracked case as its own row in duplicate status, leaving the original
// dispute's state untouched.
func (s *Service) flagDuplicateCase(ctx context.Context, tx pgx.Tx, original Record, provider Provider, evt CreatedEvent) (IngestResult, error) {
	dup, err := insertDispute(ctx, tx, insertDisputeParams{
		ChannelID:      original.ChannelID,
		Provider:       provider,
		ProviderCaseID: evt.CaseID,
		Status:         StatusDuplicate,
		Reason:         evt.Reason,
		AmountCents:    evt.AmountCents,
		Currency:       evt.Currency,
	})
	if err != nil {
		return IngestResult{}, err
	}

	if err := insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: original.ChannelID,
		DisputeID: original.ID,
		Kind:      KindDuplicateCase,
		Message:   fmt.Sprintf("Provider re-announced case %s; flagged as duplicate", evt.CaseID),
		Meta:      map[string]any{"duplicate_dispute_id": dup.ID},
	}); err != nil {
		return IngestResult{}, err
	}

	if _, err := s.auditor.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: original.ChannelID,
		ActorType: audit.ActorSystem,
		Action:    actionDuplicateFlagged,
		Severity:  audit.SeverityWarn,
		RefType:   "dispute",
		RefID:     dup.ID,
		Meta:      map[string]any{"original_dispute_id": original.ID, "provider_case_id": evt.CaseID},
	}); err != nil {
		return IngestResult{}, err
	}

	return IngestResult{Accepted: true, Message: "Duplicate case flagged", DisputeID: dup.ID}, nil
}

// ApplyUpdated refreshes provider-owned fields on the tracked dispute. An
// UPDATED arriving before its CREATED fails the transaction, leaving the
// event unseen for the provider's retry.
func (s *Service) ApplyUpdated(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, evt UpdatedEvent) (IngestResult, error) {
	rec, found, err := findByProviderCase(ctx, tx, channelID, provider, evt.CaseID)
	if err != nil {
		return IngestResult{}, err
	}
	if !found {
		return IngestResult{}, fmt.Errorf("%w: case %s", ErrNotFound, evt.CaseID)
	}

	if evt.ResponseDue != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE disputes SET evidence_deadline=$1, updated_at=now() WHERE id=$2`,
			evt.ResponseDue, rec.ID,
		); err != nil {
			return IngestResult{}, fmt.Errorf("dispute: update deadline: %w", err)
		}
	}

	meta := map[string]any{"provider_case_id": evt.CaseID}
	if evt.ResponseDue != nil {
		meta["evidence_deadline"] = evt.ResponseDue.UTC().Format(time.RFC3339)
	}
	if evt.Reason != "" {
		meta["reason"] = evt.Reason
	}
	if err := insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: channelID,
		DisputeID: rec.ID,
		Kind:      KindWebhookReceived,
		Message:   fmt.Sprintf("%s received for case %s", EventDisputeUpdated, evt.CaseID),
		Meta:      meta,
	}); err != nil {
		return IngestResult{}, err
	}

	if _, err := s.auditor.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: channelID,
		ActorType: audit.ActorSystem,
		Action:    actionDisputeUpdated,
		Severity:  audit.SeverityInfo,
		RefType:   "dispute",
		RefID:     rec.ID,
		Meta:      meta,
	}); err != nil {
		return IngestResult{}, err
	}

	return IngestResult{Accepted: true, Message: "Dispute updated", DisputeID: rec.ID}, nil
}

// paypalOutcome maps a PayPal outcome code to a terminal-track status. The
// bool is false for codes the engine cannot map, which escalate instead.
func paypalOutcome(code string) (Status, bool) {
	switch code {
	case "RESOLVED_SELLER_FAVOUR", "CANCELED_BY_BUYER":
		return StatusWon, true
	case "RESOLVED_BUYER_FAVOUR":
		return StatusLost, true
	default:
		return "", false
	}
}

// ApplyResolved records the provider's final outcome: outcome plus close in
// the same transaction. Disputes whose current status has no edge to the
// outcome, and outcome codes the engine cannot map, escalate for manual
// review rather than guessing.
func (s *Service) ApplyResolved(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, evt ResolvedEvent) (IngestResult, error) {
	rec, found, err := findByProviderCase(ctx, tx, channelID, provider, evt.CaseID)
	if err != nil {
		return IngestResult{}, err
	}
	if !found {
		return IngestResult{}, fmt.Errorf("%w: case %s", ErrNotFound, evt.CaseID)
	}

	if err := insertTimeline(ctx, tx, TimelineEntry{
		ChannelID: channelID,
		DisputeID: rec.ID,
		Kind:      KindWebhookReceived,
		Message:   fmt.Sprintf("%s received for case %s", EventDisputeResolved, evt.CaseID),
		Meta:      map[string]any{"outcome_code": evt.OutcomeCode},
	}); err != nil {
		return IngestResult{}, err
	}

	// A re-resolution of an already settled dispute (under a fresh event id)
	// is observational only.
	if rec.Status == StatusWon || rec.Status == StatusLost || rec.Status == StatusClosed {
		return IngestResult{Accepted: true, Message: "Resolution already recorded", DisputeID: rec.ID}, nil
	}
	// Disputes already in human hands keep the resolution as a timeline note
	// for the reviewer instead of fighting over the status.
	if rec.Status == StatusNeedsManual || rec.Status == StatusCanceled {
		return IngestResult{Accepted: true, Message: "Resolution noted for manual handling", DisputeID: rec.ID}, nil
	}

	outcome, ok := paypalOutcome(evt.OutcomeCode)
	if !ok || !CanTransition(rec.Status, outcome) {
		reason := fmt.Sprintf("provider resolved case %s with outcome %s while dispute was %s", evt.CaseID, evt.OutcomeCode, rec.Status)
		if err := s.escalateTx(ctx, tx, &rec, reason, review.SeverityHigh, SystemActor()); err != nil {
			return IngestResult{}, err
		}
		return IngestResult{Accepted: true, Message: "Resolution escalated for manual review", DisputeID: rec.ID}, nil
	}

	reason := fmt.Sprintf("provider outcome %s", evt.OutcomeCode)
	if err := s.transitionTx(ctx, tx, &rec, outcome, reason, SystemActor()); err != nil {
		return IngestResult{}, err
	}
	if err := s.transitionTx(ctx, tx, &rec, StatusClosed, "resolution recorded", SystemActor()); err != nil {
		return IngestResult{}, err
	}

	return IngestResult{Accepted: true, Message: fmt.Sprintf("Dispute %s", outcome), DisputeID: rec.ID}, nil
}
