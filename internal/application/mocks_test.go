package application

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/hashing"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/repository"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/storage/memory"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockUpstreamProvider is a mock implementation of domain.UpstreamProvider
type MockUpstreamProvider struct {
	mock.Mock
}

// AuthorizationURL appends state to the configured base URL so tests can follow the flow
func (m *MockUpstreamProvider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	args := m.Called(state, codeChallenge, codeChallengeMethod)
	return args.String(0) + "?state=" + url.QueryEscape(state)
}

func (m *MockUpstreamProvider) Exchange(ctx context.Context, code, codeVerifier string) (*domain.UpstreamToken, error) {
	args := m.Called(ctx, code, codeVerifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UpstreamToken), args.Error(1)
}

func (m *MockUpstreamProvider) Revoke(ctx context.Context, accessToken string) error {
	args := m.Called(ctx, accessToken)
	return args.Error(0)
}

// MockClientRepository is a mock implementation of domain.ClientRepository
type MockClientRepository struct {
	mock.Mock
}

func (m *MockClientRepository) Create(ctx context.Context, client *domain.RegisteredClient) (bool, error) {
	args := m.Called(ctx, client)
	return args.Bool(0), args.Error(1)
}

func (m *MockClientRepository) FindByID(ctx context.Context, id string) (*domain.RegisteredClient, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RegisteredClient), args.Error(1)
}

// fakeClock is a settable time source shared by every service in a fixture
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const upstreamClientID = "gitlab-app-id"

var testUpstream = domain.UpstreamClient{
	ClientID:         upstreamClientID,
	ClientSecret:     "gitlab-app-secret",
	RedirectURI:      "https://proxy.example/callback",
	AuthorizationURL: "https://gitlab.example/oauth/authorize",
	TokenURL:         "https://gitlab.example/oauth/token",
	Scopes:           []string{"api"},
}

var testArgon2 = hashing.Argon2Params{MemoryKiB: 64, Time: 1, Threads: 1}

// proxyFixture wires the application services over a memory store
type proxyFixture struct {
	store    *memory.Store
	clock    *fakeClock
	upstream *MockUpstreamProvider
	registry *RegistryService
	tracker  *StateTracker
	tokens   *TokenService
	codes    domain.CodeRepository
	waiters  *LoginWaiters
	proxy    *ProxyService
	sweeper  *Sweeper
}

func newProxyFixture(t *testing.T, hasher domain.TokenHasher, cfg ProxyConfig) *proxyFixture {
	t.Helper()

	logger := zap.NewNop()
	store := memory.NewStore()
	clock := newFakeClock()
	upstream := new(MockUpstreamProvider)

	registry := NewRegistryService(repository.NewClientRepository(store, logger), testUpstream, logger)
	registry.now = clock.Now

	tracker := NewStateTracker(repository.NewAttemptRepository(store, logger), DefaultStateTTL, logger)
	tracker.now = clock.Now

	tokens := NewTokenService(repository.NewTokenRepository(store, logger), hasher, domain.DefaultTokenMaxAge, logger)
	tokens.now = clock.Now

	codes := repository.NewCodeRepository(store, logger)

	waiters := NewLoginWaiters(time.Minute)
	waiters.now = clock.Now

	proxy := NewProxyService(registry, tracker, tokens, codes, upstream, waiters, cfg, logger)
	proxy.now = clock.Now

	sweeper := NewSweeper(tracker, tokens, codes, waiters, time.Minute, logger)
	sweeper.now = clock.Now

	return &proxyFixture{
		store:    store,
		clock:    clock,
		upstream: upstream,
		registry: registry,
		tracker:  tracker,
		tokens:   tokens,
		codes:    codes,
		waiters:  waiters,
		proxy:    proxy,
		sweeper:  sweeper,
	}
}

func (f *proxyFixture) register(t *testing.T, method string, redirectURIs ...string) *domain.RegisteredClient {
	t.Helper()
	client, err := f.registry.Register(context.Background(), domain.ClientMetadata{
		ClientName:              "test client",
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: method,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return client
}
