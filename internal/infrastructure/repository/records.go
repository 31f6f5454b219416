package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"go.uber.org/zap"
)

// records is the JSON codec shared by the typed repositories
type records[T any] struct {
	store  domain.Store
	ns     domain.Namespace
	logger *zap.Logger
}

func (r records[T]) put(ctx context.Context, key string, value *T, expiresAt time.Time, ifAbsent bool) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, domain.Wrap(domain.ErrStorage, err)
	}

	rec := &domain.Record{Key: key, Value: data, ExpiresAt: expiresAt}
	if ifAbsent {
		ok, err := r.store.PutIfAbsent(ctx, r.ns, rec)
		if err != nil {
			r.logger.Error("Failed to insert record", zap.String("namespace", string(r.ns)), zap.Error(err))
		}
		return ok, err
	}
	if err := r.store.Put(ctx, r.ns, rec); err != nil {
		r.logger.Error("Failed to store record", zap.String("namespace", string(r.ns)), zap.Error(err))
		return false, err
	}
	return true, nil
}

func (r records[T]) get(ctx context.Context, key string) (*T, error) {
	rec, err := r.store.Get(ctx, r.ns, key)
	if err != nil {
		if !errors.Is(err, domain.ErrRecordNotFound) {
			r.logger.Error("Failed to load record", zap.String("namespace", string(r.ns)), zap.Error(err))
		}
		return nil, err
	}
	return r.decode(rec)
}

func (r records[T]) decode(rec *domain.Record) (*T, error) {
	value := new(T)
	if err := json.Unmarshal(rec.Value, value); err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}
	return value, nil
}

func (r records[T]) delete(ctx context.Context, key string) (bool, error) {
	ok, err := r.store.Delete(ctx, r.ns, key)
	if err != nil {
		r.logger.Error("Failed to delete record", zap.String("namespace", string(r.ns)), zap.Error(err))
	}
	return ok, err
}

func (r records[T]) deleteExpired(ctx context.Context, now time.Time) (int, error) {
	return r.store.DeleteExpired(ctx, r.ns, now)
}
