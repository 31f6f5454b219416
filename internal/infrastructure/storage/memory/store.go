// Package memory is a process-local domain.Store for single-instance deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
)

type Store struct {
	mu      sync.RWMutex
	records map[domain.Namespace]map[string]*domain.Record
}

func NewStore() *Store {
	return &Store{records: make(map[domain.Namespace]map[string]*domain.Record)}
}

func (s *Store) table(ns domain.Namespace) map[string]*domain.Record {
	t, ok := s.records[ns]
	if !ok {
		t = make(map[string]*domain.Record)
		s.records[ns] = t
	}
	return t
}

func (s *Store) Get(_ context.Context, ns domain.Namespace, key string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ns][key]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return clone(rec), nil
}

func (s *Store) Put(_ context.Context, ns domain.Namespace, rec *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table(ns)[rec.Key] = clone(rec)
	return nil
}

func (s *Store) PutIfAbsent(_ context.Context, ns domain.Namespace, rec *domain.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(ns)
	if _, exists := t[rec.Key]; exists {
		return false, nil
	}
	t[rec.Key] = clone(rec)
	return true, nil
}

func (s *Store) Delete(_ context.Context, ns domain.Namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[ns][key]; !ok {
		return false, nil
	}
	delete(s.records[ns], key)
	return true, nil
}

// Scan iterates over a snapshot so fn may call back into the store
func (s *Store) Scan(_ context.Context, ns domain.Namespace, fn func(*domain.Record) bool) error {
	s.mu.RLock()
	snapshot := make([]*domain.Record, 0, len(s.records[ns]))
	for _, rec := range s.records[ns] {
		snapshot = append(snapshot, clone(rec))
	}
	s.mu.RUnlock()

	for _, rec := range snapshot {
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, ns domain.Namespace, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records[ns] {
		if rec.Expired(now) {
			delete(s.records[ns], key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of records held in ns
func (s *Store) Len(ns domain.Namespace) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[ns])
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func clone(rec *domain.Record) *domain.Record {
	value := make([]byte, len(rec.Value))
	copy(value, rec.Value)
	return &domain.Record{Key: rec.Key, Value: value, ExpiresAt: rec.ExpiresAt}
}

var _ domain.Store = (*Store)(nil)
