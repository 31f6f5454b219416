package domain

import (
	"context"
	"time"
)

// ClientRepository persists dynamically registered clients
type ClientRepository interface {
	// Create stores client unless its id is already taken
	Create(ctx context.Context, client *RegisteredClient) (bool, error)

	// FindByID returns ErrRecordNotFound for unknown ids
	FindByID(ctx context.Context, id string) (*RegisteredClient, error)
}

// AttemptRepository persists in-flight authorization attempts keyed by state
type AttemptRepository interface {
	// Create stores attempt unless its state is already in use
	Create(ctx context.Context, attempt *AuthorizationAttempt) (bool, error)
	Find(ctx context.Context, state string) (*AuthorizationAttempt, error)
	// Delete reports whether this call removed the attempt
	Delete(ctx context.Context, state string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// TokenRepository persists issued token records keyed by their ID
type TokenRepository interface {
	Create(ctx context.Context, token *IssuedToken, expiresAt time.Time) error
	Find(ctx context.Context, id string) (*IssuedToken, error)
	// Each calls fn for every stored token until fn returns false
	Each(ctx context.Context, fn func(*IssuedToken) bool) error
	Delete(ctx context.Context, id string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CodeRepository persists proxy authorization codes keyed by the code digest
type CodeRepository interface {
	Create(ctx context.Context, key string, code *PendingCode) error
	// Take removes and returns the code; only one caller can take a given key
	Take(ctx context.Context, key string) (*PendingCode, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// UpstreamProvider is the GitLab OAuth application as seen by the proxy
type UpstreamProvider interface {
	// AuthorizationURL builds the GitLab authorize URL for an internal state
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string
	// Exchange redeems an upstream code; codeVerifier may be empty
	Exchange(ctx context.Context, code, codeVerifier string) (*UpstreamToken, error)
	Revoke(ctx context.Context, accessToken string) error
}
