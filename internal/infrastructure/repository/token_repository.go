package repository

import (
	"context"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"go.uber.org/zap"
)

// TokenRepository implements domain.TokenRepository over a domain.Store
type TokenRepository struct {
	records records[domain.IssuedToken]
}

// NewTokenRepository creates a new TokenRepository
func NewTokenRepository(store domain.Store, logger *zap.Logger) domain.TokenRepository {
	return &TokenRepository{
		records: records[domain.IssuedToken]{store: store, ns: domain.NamespaceTokens, logger: logger},
	}
}

func (r *TokenRepository) Create(ctx context.Context, token *domain.IssuedToken, expiresAt time.Time) error {
	_, err := r.records.put(ctx, token.ID, token, expiresAt, false)
	return err
}

func (r *TokenRepository) Find(ctx context.Context, id string) (*domain.IssuedToken, error) {
	return r.records.get(ctx, id)
}

// Each skips records that fail to decode
func (r *TokenRepository) Each(ctx context.Context, fn func(*domain.IssuedToken) bool) error {
	return r.records.store.Scan(ctx, domain.NamespaceTokens, func(rec *domain.Record) bool {
		token, err := r.records.decode(rec)
		if err != nil {
			r.records.logger.Warn("Skipping undecodable token record", zap.String("id", rec.Key), zap.Error(err))
			return true
		}
		return fn(token)
	})
}

func (r *TokenRepository) Delete(ctx context.Context, id string) (bool, error) {
	return r.records.delete(ctx, id)
}

func (r *TokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return r.records.deleteExpired(ctx, now)
}
