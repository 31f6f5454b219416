package domain

import "time"

const (
	// UpstreamPKCEPassthrough forwards the caller's code_challenge to GitLab
	UpstreamPKCEPassthrough = "passthrough"
	// UpstreamPKCEProxy makes the proxy run its own S256 leg with GitLab
	UpstreamPKCEProxy = "proxy"
)

// AuthorizationAttempt records one in-flight login, keyed by the internal state
// the proxy sends to GitLab.
type AuthorizationAttempt struct {
	State       string `json:"state"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	// RedirectURIProvided records that redirect_uri was sent rather than defaulted
	RedirectURIProvided bool     `json:"redirect_uri_provided,omitempty"`
	ClientState         string   `json:"client_state,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Scopes              []string `json:"scopes,omitempty"`
	// UpstreamVerifier is set when the proxy runs its own PKCE leg with GitLab
	UpstreamVerifier string    `json:"upstream_verifier,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// PendingCode is a proxy authorization code waiting to be redeemed at the token
// endpoint. The bearer token it unlocks is sealed under a key derived from the code.
type PendingCode struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	RedirectURIProvided bool      `json:"redirect_uri_provided,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	TokenID             string    `json:"token_id"`
	Scopes              []string  `json:"scopes,omitempty"`
	SealedToken         string    `json:"sealed_token"`
	TokenExpiresAt      time.Time `json:"token_expires_at"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}
