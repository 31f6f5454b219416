package repository

import (
	"context"
	"errors"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"go.uber.org/zap"
)

// CodeRepository implements domain.CodeRepository over a domain.Store
type CodeRepository struct {
	records records[domain.PendingCode]
}

// NewCodeRepository creates a new CodeRepository
func NewCodeRepository(store domain.Store, logger *zap.Logger) domain.CodeRepository {
	return &CodeRepository{
		records: records[domain.PendingCode]{store: store, ns: domain.NamespaceCodes, logger: logger},
	}
}

func (r *CodeRepository) Create(ctx context.Context, key string, code *domain.PendingCode) error {
	ok, err := r.records.put(ctx, key, code, code.ExpiresAt, true)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Wrap(domain.ErrStorage, errors.New("authorization code collision"))
	}
	return nil
}

// Take reads the code and then deletes it; the caller whose delete succeeds owns it
func (r *CodeRepository) Take(ctx context.Context, key string) (*domain.PendingCode, error) {
	code, err := r.records.get(ctx, key)
	if err != nil {
		return nil, err
	}
	removed, err := r.records.delete(ctx, key)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, domain.ErrRecordNotFound
	}
	return code, nil
}

func (r *CodeRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return r.records.deleteExpired(ctx, now)
}
