package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested queue item does not exist.
	ErrNotFound = errors.New("review: not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateTx inserts a queue item inside the caller's transaction so escalation
// and the underlying state change land atomically.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Item, error) {
	if params.ChannelID == "" {
		return Item{}, fmt.Errorf("review: missing channel id")
	}
	if params.RefID == "" {
		return Item{}, fmt.Errorf("review: missing ref id")
	}

	labels := params.Checklist
	if len(labels) == 0 {
		labels = DisputeChecklist
	}
	checklist := make([]ChecklistItem, 0, len(labels))
	for _, label := range labels {
		checklist = append(checklist, ChecklistItem{ID: uuid.NewString(), Label: label})
	}
	body, err := json.Marshal(checklist)
	if err != nil {
		return Item{}, fmt.Errorf("review: marshal checklist: %w", err)
	}

	const insertSQL = `
INSERT INTO review_queue_items (channel_id, type, severity, status, ref_type, ref_id, title, summary, checklist)
VALUES ($1,$2,$3,'open',$4,$5,$6,$7,$8::jsonb)
RETURNING id, status, created_at, updated_at
`
	item := Item{
		ChannelID: params.ChannelID,
		Type:      params.Type,
		Severity:  params.Severity,
		RefType:   params.RefType,
		RefID:     params.RefID,
		Title:     params.Title,
		Summary:   params.Summary,
		Checklist: checklist,
	}
	if err := tx.QueryRow(ctx, insertSQL,
		params.ChannelID, params.Type, params.Severity, params.RefType,
		params.RefID, params.Title, params.Summary, body,
	).Scan(&item.ID, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Item{}, fmt.Errorf("review: insert item: %w", err)
	}
	return item, nil
}

// ListOpen returns open items for a channel, newest first.
func (r *Repository) ListOpen(ctx context.Context, channelID string) ([]Item, error) {
	const query = `
SELECT id, channel_id, type, severity, status, ref_type, ref_id, title, summary, checklist, created_at, updated_at
FROM review_queue_items
WHERE channel_id = $1 AND status = 'open'
ORDER BY created_at DESC
`
	rows, err := r.pool.Query(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("review: list open: %w", err)
	}
	defer rows.Close()

	out := make([]Item, 0, 8)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}

// CompleteChecklistItem marks one checklist step completed.
func (r *Repository) CompleteChecklistItem(ctx context.Context, itemID, checklistItemID string) (Item, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Item{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const fetchSQL = `
SELECT id, channel_id, type, severity, status, ref_type, ref_id, title, summary, checklist, created_at, updated_at
FROM review_queue_items
WHERE id = $1
FOR UPDATE
`
	item, err := scanItem(tx.QueryRow(ctx, fetchSQL, itemID))
	if err != nil {
		return Item{}, err
	}

	found := false
	for i := range item.Checklist {
		if item.Checklist[i].ID == checklistItemID {
			item.Checklist[i].Completed = true
			found = true
			break
		}
	}
	if !found {
		return Item{}, fmt.Errorf("review: checklist item %s: %w", checklistItemID, ErrNotFound)
	}

	body, err := json.Marshal(item.Checklist)
	if err != nil {
		return Item{}, fmt.Errorf("review: marshal checklist: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE review_queue_items SET checklist=$1::jsonb, updated_at=now() WHERE id=$2`,
		body, itemID,
	); err != nil {
		return Item{}, fmt.Errorf("review: update checklist: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Item{}, fmt.Errorf("review: commit: %w", err)
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item Item
		body []byte
	)
	err := row.Scan(
		&item.ID, &item.ChannelID, &item.Type, &item.Severity, &item.Status,
		&item.RefType, &item.RefID, &item.Title, &item.Summary, &body,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("review: scan item: %w", err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &item.Checklist); err != nil {
			return Item{}, fmt.Errorf("review: decode checklist: %w", err)
		}
	}
	return item, nil
}

// ValidSeverity reports whether s is one of the known severities.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMed, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}
