package operator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the operator does not exist.
	ErrNotFound = errors.New("operator: not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("operator: email already exists")
)

// Repository handles data access for operator accounts.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Operator, error)
	GetByEmail(ctx context.Context, email string) (Operator, error)
	GetByID(ctx context.Context, id string) (Operator, error)
}

// CreateParams contains write parameters for creating operators.
type CreateParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed operator repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const operatorColumns = `id, email, full_name, password_hash, role, created_at, updated_at`

// Create inserts a new operator with a hashed password.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Operator, error) {
	insertSQL := `
		INSERT INTO operators (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + operatorColumns

	op, err := scanOperator(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Operator{}, ErrDuplicateEmail
		}
		return Operator{}, fmt.Errorf("operator: create: %w", err)
	}

	return op, nil
}

// GetByEmail retrieves an operator by email address.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Operator, error) {
	selectSQL := `SELECT ` + operatorColumns + ` FROM operators WHERE email = $1`

	op, err := scanOperator(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrNotFound
		}
		return Operator{}, fmt.Errorf("operator: get by email: %w", err)
	}

	return op, nil
}

// GetByID retrieves an operator by ID.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Operator, error) {
	selectSQL := `SELECT ` + operatorColumns + ` FROM operators WHERE id = $1`

	op, err := scanOperator(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrNotFound
		}
		return Operator{}, fmt.Errorf("operator: get by id: %w", err)
	}

	return op, nil
}

func scanOperator(row pgx.Row) (Operator, error) {
	var op Operator
	err := row.Scan(
		&op.ID,
		&op.Email,
		&op.FullName,
		&op.PasswordHash,
		&op.Role,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return Operator{}, err
	}
	return op, nil
}
