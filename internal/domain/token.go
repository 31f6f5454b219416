package domain

import "time"

// DefaultTokenMaxAge is the absolute lifetime ceiling of an issued token
const DefaultTokenMaxAge = 7 * 24 * time.Hour

// IssuedToken is the stored record of a proxy bearer token. The plaintext token is
// never stored; Hash is the output of the configured TokenHasher.
type IssuedToken struct {
	ID             string     `json:"id"`
	Hash           string     `json:"hash"`
	ClientID       string     `json:"client_id"`
	Subject        string     `json:"subject,omitempty"`
	Scopes         []string   `json:"scopes"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	SealedUpstream string     `json:"sealed_upstream,omitempty"`
}

// Deadline returns the earlier of the explicit expiry and IssuedAt plus maxAge
func (t *IssuedToken) Deadline(maxAge time.Duration) time.Time {
	deadline := t.IssuedAt.Add(maxAge)
	if t.ExpiresAt != nil && t.ExpiresAt.Before(deadline) {
		return *t.ExpiresAt
	}
	return deadline
}

// Expired reports whether the token can no longer be honoured at now
func (t *IssuedToken) Expired(now time.Time, maxAge time.Duration) bool {
	return !now.Before(t.Deadline(maxAge))
}

// UpstreamToken is the GitLab token obtained by the callback exchange
type UpstreamToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Username     string    `json:"username,omitempty"`
}

// Grant is what a successful verification hands to the rest of the request
type Grant struct {
	TokenID   string
	ClientID  string
	Subject   string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Upstream  *UpstreamToken
}

// TokenHasher turns bearer tokens into the value stored at rest
type TokenHasher interface {
	Hash(token string) (string, error)
	Verify(token, hash string) bool
	// Deterministic reports whether Hash always yields the same value for the same
	// token, which allows records to be keyed by it.
	Deterministic() bool
}
