package domain

import (
	"net"
	"net/url"
	"time"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"

	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// UpstreamClient is the one GitLab OAuth application the proxy delegates to.
// It is loaded once at startup and never exposed to callers.
type UpstreamClient struct {
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	AuthorizationURL string
	TokenURL         string
	RevocationURL    string
	Scopes           []string
}

// ClientMetadata is the caller-supplied part of a dynamic registration request
type ClientMetadata struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
}

// RegisteredClient is a proxy-local client created through dynamic registration.
// ClientSecret is only populated on the value returned by registration.
type RegisteredClient struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"-"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	IssuedAt                time.Time `json:"issued_at"`
}

// AllowsRedirectURI reports whether redirectURI is registered for the client.
// Loopback redirect URIs match regardless of port.
func (c *RegisteredClient) AllowsRedirectURI(redirectURI string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == redirectURI {
			return true
		}
		if loopbackEqual(registered, redirectURI) {
			return true
		}
	}
	return false
}

func loopbackEqual(registered, candidate string) bool {
	a, err := url.Parse(registered)
	if err != nil {
		return false
	}
	b, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	if a.Scheme != "http" || b.Scheme != "http" {
		return false
	}
	if !IsLoopbackHost(a.Hostname()) || a.Hostname() != b.Hostname() {
		return false
	}
	return a.Path == b.Path && a.RawQuery == b.RawQuery
}

// IsLoopbackHost reports whether host names the local machine
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ClientKind distinguishes the outcome of a client lookup
type ClientKind int

const (
	ClientRegistered ClientKind = iota + 1
	ClientUpstream
)

// ClientLookup is the result of resolving a client id.
// Client is set only for ClientRegistered and Upstream only for ClientUpstream.
type ClientLookup struct {
	Kind     ClientKind
	Client   *RegisteredClient
	Upstream *UpstreamClient
}
