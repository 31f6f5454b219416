// Package storetest holds the behaviour every domain.Store backend must share.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the domain.Store contract. The store must start empty.
func Run(t *testing.T, store domain.Store) {
	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(context.Background(), domain.NamespaceClients, "missing")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		ctx := context.Background()
		expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)

		require.NoError(t, store.Put(ctx, domain.NamespaceClients, &domain.Record{Key: "c1", Value: []byte(`{"a":1}`), ExpiresAt: expires}))
		rec, err := store.Get(ctx, domain.NamespaceClients, "c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", rec.Key)
		assert.JSONEq(t, `{"a":1}`, string(rec.Value))
		assert.WithinDuration(t, expires, rec.ExpiresAt, time.Millisecond)

		require.NoError(t, store.Put(ctx, domain.NamespaceClients, &domain.Record{Key: "c1", Value: []byte(`{"a":2}`)}))
		rec, err = store.Get(ctx, domain.NamespaceClients, "c1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":2}`, string(rec.Value))
		assert.True(t, rec.ExpiresAt.IsZero())

		_, err = store.Get(ctx, domain.NamespaceTokens, "c1")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("put if absent and delete", func(t *testing.T) {
		ctx := context.Background()
		rec := &domain.Record{Key: "s1", Value: []byte(`{}`), ExpiresAt: time.Now().Add(time.Minute)}

		ok, err := store.PutIfAbsent(ctx, domain.NamespaceAttempts, rec)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.PutIfAbsent(ctx, domain.NamespaceAttempts, rec)
		require.NoError(t, err)
		assert.False(t, ok)

		removed, err := store.Delete(ctx, domain.NamespaceAttempts, "s1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = store.Delete(ctx, domain.NamespaceAttempts, "s1")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("scan and delete expired", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now()

		require.NoError(t, store.Put(ctx, domain.NamespaceCodes, &domain.Record{Key: "expired", Value: []byte(`{}`), ExpiresAt: now.Add(-time.Minute)}))
		require.NoError(t, store.Put(ctx, domain.NamespaceCodes, &domain.Record{Key: "live", Value: []byte(`{}`), ExpiresAt: now.Add(time.Hour)}))
		require.NoError(t, store.Put(ctx, domain.NamespaceCodes, &domain.Record{Key: "forever", Value: []byte(`{}`)}))

		keys := map[string]bool{}
		require.NoError(t, store.Scan(ctx, domain.NamespaceCodes, func(rec *domain.Record) bool {
			keys[rec.Key] = true
			return true
		}))
		assert.Equal(t, map[string]bool{"expired": true, "live": true, "forever": true}, keys)

		removed, err := store.DeleteExpired(ctx, domain.NamespaceCodes, now)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = store.Get(ctx, domain.NamespaceCodes, "expired")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
		_, err = store.Get(ctx, domain.NamespaceCodes, "live")
		assert.NoError(t, err)
	})

	t.Run("single winner under contention", func(t *testing.T) {
		ctx := context.Background()
		ok, err := store.PutIfAbsent(ctx, domain.NamespaceAttempts, &domain.Record{Key: "race", Value: []byte(`{}`), ExpiresAt: time.Now().Add(-time.Second)})
		require.NoError(t, err)
		require.True(t, ok)

		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(sweep bool) {
				defer wg.Done()
				if sweep {
					n, _ := store.DeleteExpired(ctx, domain.NamespaceAttempts, time.Now())
					winners.Add(int32(n))
					return
				}
				if removed, _ := store.Delete(ctx, domain.NamespaceAttempts, "race"); removed {
					winners.Add(1)
				}
			}(i%2 == 0)
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(context.Background()))
	})
}
