// Package postgres stores proxy records in a single PostgreSQL table shared by
// every namespace.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/database"
	"go.uber.org/zap"
)

type Store struct {
	db     *database.Postgres
	logger *zap.Logger
}

func NewStore(db *database.Postgres, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) Get(ctx context.Context, ns domain.Namespace, key string) (*domain.Record, error) {
	rec := &domain.Record{Key: key}
	var expiresAt *time.Time

	err := s.db.QueryRow(ctx, `
		SELECT value, expires_at FROM proxy_records
		WHERE namespace = $1 AND key = $2
	`, string(ns), key).Scan(&rec.Value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}

	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, ns domain.Namespace, rec *domain.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO proxy_records (namespace, key, value, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, string(ns), rec.Key, rec.Value, nullableTime(rec.ExpiresAt))
	if err != nil {
		return domain.Wrap(domain.ErrStorage, err)
	}
	return nil
}

func (s *Store) PutIfAbsent(ctx context.Context, ns domain.Namespace, rec *domain.Record) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO proxy_records (namespace, key, value, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO NOTHING
	`, string(ns), rec.Key, rec.Value, nullableTime(rec.ExpiresAt))
	if err != nil {
		return false, domain.Wrap(domain.ErrStorage, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Delete(ctx context.Context, ns domain.Namespace, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM proxy_records WHERE namespace = $1 AND key = $2
	`, string(ns), key)
	if err != nil {
		return false, domain.Wrap(domain.ErrStorage, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Scan reads the namespace fully before calling fn so no connection is held
// while fn runs.
func (s *Store) Scan(ctx context.Context, ns domain.Namespace, fn func(*domain.Record) bool) error {
	rows, err := s.db.Query(ctx, `
		SELECT key, value, expires_at FROM proxy_records WHERE namespace = $1
	`, string(ns))
	if err != nil {
		return domain.Wrap(domain.ErrStorage, err)
	}

	var records []*domain.Record
	for rows.Next() {
		rec := &domain.Record{}
		var expiresAt *time.Time
		if err := rows.Scan(&rec.Key, &rec.Value, &expiresAt); err != nil {
			rows.Close()
			return domain.Wrap(domain.ErrStorage, err)
		}
		if expiresAt != nil {
			rec.ExpiresAt = *expiresAt
		}
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Wrap(domain.ErrStorage, err)
	}

	for _, rec := range records {
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, ns domain.Namespace, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM proxy_records
		WHERE namespace = $1 AND expires_at IS NOT NULL AND expires_at <= $2
	`, string(ns), now)
	if err != nil {
		return 0, domain.Wrap(domain.ErrStorage, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("Deleted expired records",
			zap.String("namespace", string(ns)),
			zap.Int64("count", n))
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ domain.Store = (*Store)(nil)
