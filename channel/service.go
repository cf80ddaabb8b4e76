package channel

import (
	"context"
	"errors"
	"fmt"
)

// ErrInactive signals the channel exists but is disabled; webhooks and
// operator actions against it are rejected.
var ErrInactive = errors.New("channel: inactive")

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Channel, error)
	List(ctx context.Context, limit int) ([]Channel, error)
}

// Service exposes business-level channel operations.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the channel for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Channel, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit channels.
func (s *Service) List(ctx context.Context, limit int) ([]Channel, error) {
	return s.repo.List(ctx, limit)
}

// RequireActive loads a channel and rejects disabled ones. Ingestion and
// operator endpoints call this before doing any work on the channel.
func (s *Service) RequireActive(ctx context.Context, id string) (Channel, error) {
	ch, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	if !ch.Active {
		return Channel{}, fmt.Errorf("%w: %s", ErrInactive, id)
	}
	return ch, nil
}
