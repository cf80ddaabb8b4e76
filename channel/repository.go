package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested channel does not exist.
var ErrNotFound = errors.New("channel: not found")

// Repository provides read access to channels.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a channel by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Channel, error) {
	const query = `
		SELECT id, name, platform, active, created_at
		FROM channels
		WHERE id = $1
	`

	var ch Channel
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&ch.ID,
		&ch.Name,
		&ch.Platform,
		&ch.Active,
		&ch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrNotFound
		}
		return Channel{}, fmt.Errorf("channel: query by id: %w", err)
	}

	return ch, nil
}

// List fetches up to limit channels ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Channel, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, name, platform, active, created_at
		FROM channels
		ORDER BY name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("channel: list: %w", err)
	}
	defer rows.Close()

	channels := make([]Channel, 0, limit)
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Platform, &ch.Active, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("channel: scan: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channel: iterate: %w", err)
	}

	return channels, nil
}
