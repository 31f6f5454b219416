package repository

import (
	"context"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"go.uber.org/zap"
)

// AttemptRepository implements domain.AttemptRepository over a domain.Store
type AttemptRepository struct {
	records records[domain.AuthorizationAttempt]
}

// NewAttemptRepository creates a new AttemptRepository
func NewAttemptRepository(store domain.Store, logger *zap.Logger) domain.AttemptRepository {
	return &AttemptRepository{
		records: records[domain.AuthorizationAttempt]{store: store, ns: domain.NamespaceAttempts, logger: logger},
	}
}

func (r *AttemptRepository) Create(ctx context.Context, attempt *domain.AuthorizationAttempt) (bool, error) {
	return r.records.put(ctx, attempt.State, attempt, attempt.ExpiresAt, true)
}

func (r *AttemptRepository) Find(ctx context.Context, state string) (*domain.AuthorizationAttempt, error) {
	return r.records.get(ctx, state)
}

func (r *AttemptRepository) Delete(ctx context.Context, state string) (bool, error) {
	return r.records.delete(ctx, state)
}

func (r *AttemptRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return r.records.deleteExpired(ctx, now)
}
