package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the order does not exist.
var ErrNotFound = errors.New("orders: not found")

// Snapshot is the slice of an order the dispute engine needs for evidence
// generation. Order management itself lives elsewhere; this package only
// reads.
type Snapshot struct {
	OrderID        string
	TotalCents     int64
	Currency       string
	ItemCount      int
	ProductSummary string
	TrackingNumber string
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// Repository provides read access to order snapshots.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// OrderSnapshot fetches the evidence-relevant fields of one order.
func (r *Repository) OrderSnapshot(ctx context.Context, orderID string) (Snapshot, error) {
	const query = `
SELECT id, total_cents, currency, item_count, product_summary,
       COALESCE(tracking_number, ''), shipped_at, delivered_at
FROM orders
WHERE id = $1
`
	var snap Snapshot
	err := r.pool.QueryRow(ctx, query, orderID).Scan(
		&snap.OrderID, &snap.TotalCents, &snap.Currency, &snap.ItemCount,
		&snap.ProductSummary, &snap.TrackingNumber, &snap.ShippedAt, &snap.DeliveredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("orders: query snapshot: %w", err)
	}
	return snap, nil
}
