package application

import (
	"context"
	"testing"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/hashing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweeper_SweepOnce(t *testing.T) {
	f := newProxyFixture(t, hashing.NewArgon2Hasher(testArgon2), ProxyConfig{})
	ctx := context.Background()

	_, err := f.tracker.Begin(ctx, &domain.AuthorizationAttempt{ClientID: "client-1"})
	require.NoError(t, err)
	_, _, err = f.tokens.Issue(ctx, IssueRequest{ClientID: "client-1", ExpiresIn: time.Minute})
	require.NoError(t, err)
	_, _, err = f.tokens.Issue(ctx, IssueRequest{ClientID: "client-1", ExpiresIn: 24 * time.Hour})
	require.NoError(t, err)
	now := f.clock.Now()
	require.NoError(t, f.codes.Create(ctx, "code-key", &domain.PendingCode{
		ClientID:  "client-1",
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultCodeTTL),
	}))
	f.waiters.Deliver(LoginKey("client-1", "abc"), &LoginResult{})

	assert.Equal(t, SweepResult{}, f.sweeper.SweepOnce(ctx), "nothing is due yet")

	f.clock.Advance(DefaultStateTTL + time.Second)
	result := f.sweeper.SweepOnce(ctx)

	assert.Equal(t, SweepResult{Attempts: 1, Tokens: 1, Codes: 1, LoginResults: 1}, result)
	assert.Equal(t, 0, f.store.Len(domain.NamespaceAttempts))
	assert.Equal(t, 1, f.store.Len(domain.NamespaceTokens))
	assert.Equal(t, 0, f.store.Len(domain.NamespaceCodes))
}

func TestSweeper_StartStop(t *testing.T) {
	f := newProxyFixture(t, hashing.NewArgon2Hasher(testArgon2), ProxyConfig{})
	ctx := context.Background()

	_, _, err := f.tokens.Issue(ctx, IssueRequest{ClientID: "client-1", ExpiresIn: time.Minute})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	sweeper := NewSweeper(f.tracker, f.tokens, f.codes, f.waiters, 10*time.Millisecond, zap.NewNop())
	sweeper.now = f.clock.Now
	sweeper.Start(ctx)
	sweeper.Start(ctx)

	assert.Eventually(t, func() bool { return f.store.Len(domain.NamespaceTokens) == 0 }, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeper_NilComponents(t *testing.T) {
	sweeper := NewSweeper(nil, nil, nil, nil, 0, zap.NewNop())
	assert.Equal(t, DefaultSweepInterval, sweeper.interval)
	assert.Equal(t, SweepResult{}, sweeper.SweepOnce(context.Background()))
}
