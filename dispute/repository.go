package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrCaseExists signals an active dispute already exists for the
	// (provider, providerCaseId) pair.
	ErrCaseExists = errors.New("dispute: provider case already tracked")
	// ErrDuplicateEvent signals the webhook event was already processed.
	ErrDuplicateEvent = errors.New("dispute: duplicate webhook event")
)

// Repository provides read access and transaction-scoped writes for
// disputes, evidence packs, timeline entries and dedup records.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `
id, channel_id, order_id, provider, provider_case_id, status::text, needs_manual,
last_error, reason, amount_cents, currency, evidence_pack_id, evidence_deadline,
created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.ChannelID, &rec.OrderID, &rec.Provider, &rec.ProviderCaseID,
		&rec.Status, &rec.NeedsManual, &rec.LastError, &rec.Reason, &rec.AmountCents,
		&rec.Currency, &rec.EvidencePackID, &rec.EvidenceDeadline, &rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return rec, nil
}

// Get fetches a dispute by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	return scanRecord(r.pool.QueryRow(ctx, query, id))
}

// ListFilters narrows and pages List results.
type ListFilters struct {
	ChannelID string
	Status    Status
	Limit     int
	Offset    int
}

// List returns a channel's disputes, newest first, plus the unpaged total.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	if filters.Limit <= 0 || filters.Limit > 100 {
		filters.Limit = 20
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE channel_id = $1`
	countQuery := `SELECT COUNT(*) FROM disputes WHERE channel_id = $1`
	args := []any{filters.ChannelID}
	if filters.Status != "" {
		query += ` AND status = $2`
		countQuery += ` AND status = $2`
		args = append(args, filters.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, filters.Limit, filters.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, filters.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("dispute: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispute: count: %w", err)
	}
	return out, total, nil
}

// Timeline returns a dispute's timeline entries in creation order.
func (r *Repository) Timeline(ctx context.Context, disputeID string) ([]TimelineEntry, error) {
	const query = `
SELECT id, channel_id, dispute_id, kind, message, meta, created_at
FROM dispute_timeline
WHERE dispute_id = $1
ORDER BY created_at ASC, id ASC
`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEntry, 0, 8)
	for rows.Next() {
		var (
			entry TimelineEntry
			meta  []byte
		)
		if err := rows.Scan(&entry.ID, &entry.ChannelID, &entry.DisputeID, &entry.Kind, &entry.Message, &meta, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan timeline: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Meta); err != nil {
				return nil, fmt.Errorf("dispute: decode timeline meta: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate timeline: %w", err)
	}
	return out, nil
}

const packColumns = `
id, dispute_id, status, tracking_number, product_description,
customer_communication, additional_evidence, submitted_at, created_at`

func scanPack(row rowScanner) (EvidencePack, error) {
	var (
		pack  EvidencePack
		comms []byte
		extra []byte
	)
	err := row.Scan(
		&pack.ID, &pack.DisputeID, &pack.Status, &pack.TrackingNumber,
		&pack.ProductDescription, &comms, &extra, &pack.SubmittedAt, &pack.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EvidencePack{}, ErrNotFound
		}
		return EvidencePack{}, fmt.Errorf("dispute: scan pack: %w", err)
	}
	if len(comms) > 0 {
		if err := json.Unmarshal(comms, &pack.CustomerCommunication); err != nil {
			return EvidencePack{}, fmt.Errorf("dispute: decode pack communication: %w", err)
		}
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &pack.AdditionalEvidence); err != nil {
			return EvidencePack{}, fmt.Errorf("dispute: decode pack evidence: %w", err)
		}
	}
	return pack, nil
}

// EvidencePack fetches a pack by id.
func (r *Repository) EvidencePack(ctx context.Context, id string) (EvidencePack, error) {
	query := `SELECT ` + packColumns + ` FROM evidence_packs WHERE id = $1`
	return scanPack(r.pool.QueryRow(ctx, query, id))
}

// Stats aggregates dispute counts for a channel.
func (r *Repository) Stats(ctx context.Context, channelID string) (Stats, error) {
	const query = `SELECT status::text, COUNT(*) FROM disputes WHERE channel_id = $1 GROUP BY status`
	rows, err := r.pool.Query(ctx, query, channelID)
	if err != nil {
		return Stats{}, fmt.Errorf("dispute: stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("dispute: scan stats: %w", err)
		}
		stats.Total += count
		switch status {
		case StatusOpen:
			stats.Open = count
		case StatusEvidenceRequired:
			stats.EvidenceRequired = count
		case StatusSubmitted:
			stats.Submitted = count
		case StatusWon:
			stats.Won = count
		case StatusLost:
			stats.Lost = count
		case StatusNeedsManual:
			stats.NeedsManual = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("dispute: iterate stats: %w", err)
	}
	if resolved := stats.Won + stats.Lost; resolved > 0 {
		stats.WinRate = float64(stats.Won) / float64(resolved)
	}
	return stats, nil
}

// getForUpdate loads a dispute row under a row lock, guarding the
// read-validate-write of a status transition against lost updates.
func getForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	return scanRecord(tx.QueryRow(ctx, query, id))
}

// findByProviderCase looks for any non-duplicate dispute already tracking the
// provider case.
func findByProviderCase(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, caseID string) (Record, bool, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes
WHERE channel_id = $1 AND provider = $2 AND provider_case_id = $3 AND status <> 'duplicate'
LIMIT 1
FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, query, channelID, provider, caseID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

type insertDisputeParams struct {
	ChannelID        string
	OrderID          *string
	Provider         Provider
	ProviderCaseID   string
	Status           Status
	Reason           string
	AmountCents      int64
	Currency         string
	EvidenceDeadline *time.Time
}

func insertDispute(ctx context.Context, tx pgx.Tx, params insertDisputeParams) (Record, error) {
	query := `
INSERT INTO disputes (channel_id, order_id, provider, provider_case_id, status, reason, amount_cents, currency, evidence_deadline)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING ` + disputeColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.ChannelID, params.OrderID, params.Provider, params.ProviderCaseID,
		params.Status, params.Reason, params.AmountCents, params.Currency,
		params.EvidenceDeadline,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrCaseExists
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// insertDedup reserves the (channel, provider, eventId) triple. A unique
// violation means the event was already fully processed.
func insertDedup(ctx context.Context, tx pgx.Tx, channelID string, provider Provider, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("dispute: empty webhook event id")
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO webhook_dedup (channel_id, provider, event_id) VALUES ($1,$2,$3)`,
		channelID, provider, eventID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("dispute: insert dedup: %w", err)
	}
	return nil
}

func insertTimeline(ctx context.Context, tx pgx.Tx, entry TimelineEntry) error {
	var meta []byte
	if entry.Meta != nil {
		b, err := json.Marshal(entry.Meta)
		if err != nil {
			return fmt.Errorf("dispute: marshal timeline meta: %w", err)
		}
		meta = b
	}
	const query = `
INSERT INTO dispute_timeline (channel_id, dispute_id, kind, message, meta)
VALUES ($1,$2,$3,$4,$5)
`
	if _, err := tx.Exec(ctx, query, entry.ChannelID, entry.DisputeID, entry.Kind, entry.Message, meta); err != nil {
		return fmt.Errorf("dispute: insert timeline: %w", err)
	}
	return nil
}

func insertEvidencePack(ctx context.Context, tx pgx.Tx, pack EvidencePack) (EvidencePack, error) {
	comms, err := json.Marshal(pack.CustomerCommunication)
	if err != nil {
		return EvidencePack{}, fmt.Errorf("dispute: marshal pack communication: %w", err)
	}
	extra, err := json.Marshal(pack.AdditionalEvidence)
	if err != nil {
		return EvidencePack{}, fmt.Errorf("dispute: marshal pack evidence: %w", err)
	}
	const query = `
INSERT INTO evidence_packs (dispute_id, status, tracking_number, product_description, customer_communication, additional_evidence)
VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb)
RETURNING id, created_at
`
	if err := tx.QueryRow(ctx, query,
		pack.DisputeID, pack.Status, pack.TrackingNumber, pack.ProductDescription, comms, extra,
	).Scan(&pack.ID, &pack.CreatedAt); err != nil {
		return EvidencePack{}, fmt.Errorf("dispute: insert pack: %w", err)
	}
	return pack, nil
}

// markPackSubmitted flips a pack to submitted. Pack status never regresses,
// so the guard excludes packs already submitted.
func markPackSubmitted(ctx context.Context, tx pgx.Tx, packID string, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE evidence_packs SET status='submitted', submitted_at=$1 WHERE id=$2 AND status <> 'submitted'`,
		at, packID,
	)
	if err != nil {
		return fmt.Errorf("dispute: mark pack submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispute: pack %s already submitted or missing", packID)
	}
	return nil
}
