package domain

import (
	"context"
	"time"
)

// Namespace partitions the records kept in a Store
type Namespace string

const (
	NamespaceClients  Namespace = "clients"
	NamespaceAttempts Namespace = "attempts"
	NamespaceTokens   Namespace = "tokens"
	NamespaceCodes    Namespace = "codes"
)

// Record is a raw value held by a Store. A zero ExpiresAt never expires.
type Record struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is the key-value persistence shared by every proxy table.
// Every mutating call is atomic with respect to a single key.
type Store interface {
	// Get returns ErrRecordNotFound for missing keys
	Get(ctx context.Context, ns Namespace, key string) (*Record, error)
	Put(ctx context.Context, ns Namespace, rec *Record) error
	// PutIfAbsent stores rec only if no record exists under its key
	PutIfAbsent(ctx context.Context, ns Namespace, rec *Record) (bool, error)
	// Delete reports whether this call removed the record
	Delete(ctx context.Context, ns Namespace, key string) (bool, error)
	// Scan calls fn for every record in ns until fn returns false
	Scan(ctx context.Context, ns Namespace, fn func(*Record) bool) error
	// DeleteExpired removes every record in ns that is expired at now
	DeleteExpired(ctx context.Context, ns Namespace, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
