package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegisteredClient_AllowsRedirectURI(t *testing.T) {
	client := &RegisteredClient{
		RedirectURIs: []string{
			"https://app.example/cb",
			"http://127.0.0.1:3000/callback",
			"http://localhost/oauth",
		},
	}

	tests := []struct {
		name string
		uri  string
		want bool
	}{
		{"exact https match", "https://app.example/cb", true},
		{"different https path", "https://app.example/other", false},
		{"https host is never port-agnostic", "https://app.example:8443/cb", false},
		{"loopback ip any port", "http://127.0.0.1:54321/callback", true},
		{"loopback ip wrong path", "http://127.0.0.1:54321/other", false},
		{"localhost any port", "http://localhost:9000/oauth", true},
		{"loopback host mismatch", "http://127.0.0.1:9000/oauth", false},
		{"garbage", "::not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, client.AllowsRedirectURI(tt.uri))
		})
	}
}

func TestIssuedToken_Deadline(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("ceiling applies without explicit expiry", func(t *testing.T) {
		token := &IssuedToken{IssuedAt: issued}
		assert.Equal(t, issued.Add(DefaultTokenMaxAge), token.Deadline(DefaultTokenMaxAge))
		assert.False(t, token.Expired(issued.Add(DefaultTokenMaxAge-time.Second), DefaultTokenMaxAge))
		assert.True(t, token.Expired(issued.Add(DefaultTokenMaxAge), DefaultTokenMaxAge))
	})

	t.Run("earlier explicit expiry wins", func(t *testing.T) {
		expires := issued.Add(time.Hour)
		token := &IssuedToken{IssuedAt: issued, ExpiresAt: &expires}
		assert.Equal(t, expires, token.Deadline(DefaultTokenMaxAge))
	})

	t.Run("ceiling caps a later explicit expiry", func(t *testing.T) {
		expires := issued.Add(30 * 24 * time.Hour)
		token := &IssuedToken{IssuedAt: issued, ExpiresAt: &expires}
		assert.Equal(t, issued.Add(DefaultTokenMaxAge), token.Deadline(DefaultTokenMaxAge))
	})
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrStorage, cause)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrStateExpired)

	var domainErr *Error
	assert.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "server_error", domainErr.Code)
	assert.Equal(t, ErrInvalidToken, Wrap(ErrInvalidToken, nil))
}
