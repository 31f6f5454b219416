package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClientRepository(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := NewClientRepository(store, zap.NewNop())

	client := &domain.RegisteredClient{
		ClientID:         "client-1",
		ClientSecret:     "plaintext",
		ClientSecretHash: "$2a$10$hash",
		RedirectURIs:     []string{"https://app.example/cb"},
		GrantTypes:       []string{domain.GrantTypeAuthorizationCode},
		ResponseTypes:    []string{domain.ResponseTypeCode},
		IssuedAt:         time.Now().UTC().Truncate(time.Second),
	}

	ok, err := repo.Create(ctx, client)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Create(ctx, &domain.RegisteredClient{ClientID: "client-1"})
	require.NoError(t, err)
	assert.False(t, ok, "ids are never overwritten")

	found, err := repo.FindByID(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, found.RedirectURIs)
	assert.Equal(t, client.ClientSecretHash, found.ClientSecretHash)
	assert.Empty(t, found.ClientSecret, "plaintext secret must not be persisted")

	rec, err := store.Get(ctx, domain.NamespaceClients, "client-1")
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Value), "plaintext")

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestAttemptRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAttemptRepository(memory.NewStore(), zap.NewNop())
	now := time.Now()

	attempt := &domain.AuthorizationAttempt{
		State:       "state-1",
		ClientID:    "client-1",
		RedirectURI: "https://app.example/cb",
		ClientState: "abc",
		CreatedAt:   now,
		ExpiresAt:   now.Add(15 * time.Minute),
	}

	ok, err := repo.Create(ctx, attempt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Create(ctx, attempt)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := repo.Find(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", found.ClientState)

	removed, err := repo.DeleteExpired(ctx, now.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	deleted, err := repo.Delete(ctx, "state-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestTokenRepository(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := NewTokenRepository(store, zap.NewNop())
	now := time.Now()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, repo.Create(ctx, &domain.IssuedToken{ID: id, ClientID: "c", IssuedAt: now}, now.Add(time.Hour)))
	}
	require.NoError(t, store.Put(ctx, domain.NamespaceTokens, &domain.Record{Key: "broken", Value: []byte("{")}))

	var ids []string
	require.NoError(t, repo.Each(ctx, func(token *domain.IssuedToken) bool {
		ids = append(ids, token.ID)
		return true
	}))
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, ids)

	found, err := repo.Find(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "c", found.ClientID)

	removed, err := repo.Delete(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, removed)

	n, err := repo.DeleteExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCodeRepository_TakeOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewCodeRepository(memory.NewStore(), zap.NewNop())

	code := &domain.PendingCode{ClientID: "c", TokenID: "t", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, repo.Create(ctx, "digest", code))
	assert.ErrorIs(t, repo.Create(ctx, "digest", code), domain.ErrStorage)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if taken, err := repo.Take(ctx, "digest"); err == nil && taken.TokenID == "t" {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	_, err := repo.Take(ctx, "digest")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}
