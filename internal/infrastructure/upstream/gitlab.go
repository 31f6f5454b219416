// Package upstream talks to the GitLab OAuth application the proxy delegates to.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// GitLab implements domain.UpstreamProvider with golang.org/x/oauth2
type GitLab struct {
	client     domain.UpstreamClient
	oauth      *oauth2.Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewGitLab(client domain.UpstreamClient, httpClient *http.Client, logger *zap.Logger) *GitLab {
	return &GitLab{
		client: client,
		oauth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			RedirectURL:  client.RedirectURI,
			Scopes:       client.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   client.AuthorizationURL,
				TokenURL:  client.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		logger:     logger,
	}
}

func (g *GitLab) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return g.oauth.AuthCodeURL(state, opts...)
}

// Exchange trades an upstream authorization code for a GitLab token. codeVerifier
// is only sent when the proxy ran its own PKCE leg.
func (g *GitLab) Exchange(ctx context.Context, code, codeVerifier string) (*domain.UpstreamToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := g.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return nil, domain.Wrap(domain.ErrUpstreamExchange,
				fmt.Errorf("gitlab token endpoint returned status %d error %q", status, re.ErrorCode))
		}
		return nil, domain.Wrap(domain.ErrUpstreamExchange, err)
	}

	result := &domain.UpstreamToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       g.client.Scopes,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		result.Scopes = strings.Fields(scope)
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		g.readIdentity(raw, result)
	}
	return result, nil
}

// readIdentity takes the subject from the id_token. The token came straight from
// the GitLab token endpoint over TLS, so its signature is not checked.
func (g *GitLab) readIdentity(raw string, tok *domain.UpstreamToken) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		g.logger.Warn("Ignoring unparseable id_token", zap.Error(err))
		return
	}
	if sub, err := claims.GetSubject(); err == nil {
		tok.Subject = sub
	}
	if nickname, ok := claims["nickname"].(string); ok {
		tok.Username = nickname
	}
}

// Revoke asks GitLab to revoke an access token it issued
func (g *GitLab) Revoke(ctx context.Context, accessToken string) error {
	if g.client.RevocationURL == "" {
		return nil
	}

	form := url.Values{
		"token":           {accessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {g.client.ClientID},
		"client_secret":   {g.client.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.client.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling gitlab revocation endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gitlab revocation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

var _ domain.UpstreamProvider = (*GitLab)(nil)
