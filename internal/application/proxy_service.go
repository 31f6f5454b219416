package application

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/hashing"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// DefaultCodeTTL bounds how long a proxy authorization code can be redeemed
	DefaultCodeTTL = 10 * time.Minute

	purposeCode = "gitlab-mcp-proxy/authorization-code"
)

// ProxyConfig tunes the authorization flow
type ProxyConfig struct {
	RequirePKCE  bool
	UpstreamPKCE string
	CodeTTL      time.Duration
}

// AuthorizeRequest carries the parameters of GET /authorize
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// CallbackRequest carries the parameters GitLab sends to GET /callback
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// TokenRequest carries the parameters of POST /token
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// TokenResponse is the RFC 6749 access token response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// ProxyService runs the authorization proxy flow: it sends callers to GitLab
// under the upstream identity, turns the callback into a proxy token and
// redeems proxy authorization codes.
type ProxyService struct {
	registry *RegistryService
	tracker  *StateTracker
	tokens   *TokenService
	codes    domain.CodeRepository
	upstream domain.UpstreamProvider
	waiters  *LoginWaiters
	cfg      ProxyConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewProxyService(
	registry *RegistryService,
	tracker *StateTracker,
	tokens *TokenService,
	codes domain.CodeRepository,
	upstream domain.UpstreamProvider,
	waiters *LoginWaiters,
	cfg ProxyConfig,
	logger *zap.Logger,
) *ProxyService {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.UpstreamPKCE == "" {
		cfg.UpstreamPKCE = domain.UpstreamPKCEPassthrough
	}
	return &ProxyService{
		registry: registry,
		tracker:  tracker,
		tokens:   tokens,
		codes:    codes,
		upstream: upstream,
		waiters:  waiters,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Authorize validates the caller and returns the URL to redirect the browser to.
// Client and redirect URI failures are returned as errors; anything found after
// the redirect URI is trusted is reported through a redirect to the caller.
func (s *ProxyService) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	client, err := s.registry.Registered(ctx, req.ClientID)
	if err != nil {
		s.logger.Debug("Authorize rejected client", zap.String("client_id", req.ClientID), zap.Error(err))
		return "", err
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !client.AllowsRedirectURI(redirectURI) {
		s.logger.Debug("Authorize rejected redirect URI",
			zap.String("client_id", req.ClientID),
			zap.String("redirect_uri", redirectURI))
		return "", domain.ErrInvalidRedirectURI
	}

	if req.ResponseType != domain.ResponseTypeCode {
		return errorRedirect(redirectURI, req.State, "unsupported_response_type", "response_type must be code"), nil
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEMethodS256
	}
	if req.CodeChallenge == "" && s.cfg.RequirePKCE {
		return errorRedirect(redirectURI, req.State, "invalid_request", "code_challenge is required"), nil
	}
	if req.CodeChallenge != "" && method != PKCEMethodS256 {
		return errorRedirect(redirectURI, req.State, "invalid_request", "code_challenge_method must be S256"), nil
	}

	attempt := &domain.AuthorizationAttempt{
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		RedirectURIProvided: req.RedirectURI != "",
		ClientState:         req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Scopes:              strings.Fields(req.Scope),
	}

	upstreamChallenge, upstreamMethod := req.CodeChallenge, method
	if s.cfg.UpstreamPKCE == domain.UpstreamPKCEProxy {
		attempt.UpstreamVerifier = oauth2.GenerateVerifier()
		upstreamChallenge = oauth2.S256ChallengeFromVerifier(attempt.UpstreamVerifier)
		upstreamMethod = PKCEMethodS256
	}

	state, err := s.tracker.Begin(ctx, attempt)
	if err != nil {
		s.logger.Error("Failed to begin authorization attempt", zap.Error(err))
		return "", err
	}

	s.logger.Info("Redirecting to upstream authorization",
		zap.String("client_id", client.ClientID))
	return s.upstream.AuthorizationURL(state, upstreamChallenge, upstreamMethod), nil
}

// Callback completes an upstream login and returns the URL on the caller's side
// to redirect the browser to. Only an unknown or expired state is an error.
func (s *ProxyService) Callback(ctx context.Context, req CallbackRequest) (string, error) {
	attempt, err := s.tracker.Resolve(ctx, req.State)
	if err != nil {
		s.logger.Debug("Callback with unresolvable state", zap.Error(err))
		return "", err
	}

	won, err := s.tracker.Consume(ctx, req.State)
	if err != nil {
		return "", err
	}
	if !won {
		// another callback for the same state got here first
		return "", domain.ErrStateNotFound
	}

	if req.Error != "" {
		s.logger.Info("Upstream authorization denied",
			zap.String("client_id", attempt.ClientID),
			zap.String("error", req.Error))
		return s.finishWithError(attempt, oauthErrorCode(req.Error), req.ErrorDescription), nil
	}
	if req.Code == "" {
		return s.finishWithError(attempt, "invalid_request", "missing authorization code"), nil
	}

	upstreamToken, err := s.upstream.Exchange(ctx, req.Code, attempt.UpstreamVerifier)
	if err != nil {
		s.logger.Error("Upstream code exchange failed",
			zap.String("client_id", attempt.ClientID),
			zap.Error(err))
		return s.finishWithError(attempt, "server_error", "upstream authorization failed"), nil
	}

	redirect, err := s.complete(ctx, attempt, upstreamToken)
	if err != nil {
		s.logger.Error("Failed to complete authorization",
			zap.String("client_id", attempt.ClientID),
			zap.Error(err))
		return s.finishWithError(attempt, "server_error", "authorization could not be completed"), nil
	}
	return redirect, nil
}

func (s *ProxyService) complete(ctx context.Context, attempt *domain.AuthorizationAttempt, upstreamToken *domain.UpstreamToken) (string, error) {
	var expiresIn time.Duration
	if !upstreamToken.Expiry.IsZero() {
		expiresIn = upstreamToken.Expiry.Sub(s.now())
		if expiresIn <= 0 {
			expiresIn = time.Second
		}
	}

	plaintext, token, err := s.tokens.Issue(ctx, IssueRequest{
		ClientID:  attempt.ClientID,
		Subject:   upstreamToken.Subject,
		Scopes:    upstreamToken.Scopes,
		ExpiresIn: expiresIn,
		Upstream:  upstreamToken,
	})
	if err != nil {
		return "", err
	}

	code, err := hashing.RandomString(32)
	if err != nil {
		s.revokeOrphan(ctx, token.ID)
		return "", err
	}
	sealed, err := hashing.Seal(code, purposeCode, []byte(plaintext))
	if err != nil {
		s.revokeOrphan(ctx, token.ID)
		return "", err
	}

	now := s.now()
	pending := &domain.PendingCode{
		ClientID:            attempt.ClientID,
		RedirectURI:         attempt.RedirectURI,
		RedirectURIProvided: attempt.RedirectURIProvided,
		CodeChallenge:       attempt.CodeChallenge,
		CodeChallengeMethod: attempt.CodeChallengeMethod,
		TokenID:             token.ID,
		Scopes:              token.Scopes,
		SealedToken:         sealed,
		TokenExpiresAt:      token.Deadline(s.tokens.maxAge),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.CodeTTL),
	}
	if err := s.codes.Create(ctx, hashing.Digest(code), pending); err != nil {
		s.revokeOrphan(ctx, token.ID)
		return "", err
	}

	redirect := withQuery(attempt.RedirectURI, url.Values{"code": {code}}, attempt.ClientState)
	s.deliver(attempt, &LoginResult{RedirectURL: redirect, Code: code, State: attempt.ClientState})

	s.logger.Info("Authorization completed",
		zap.String("client_id", attempt.ClientID),
		zap.String("subject", token.Subject))
	return redirect, nil
}

func (s *ProxyService) finishWithError(attempt *domain.AuthorizationAttempt, code, description string) string {
	redirect := errorRedirect(attempt.RedirectURI, attempt.ClientState, code, description)
	s.deliver(attempt, &LoginResult{
		RedirectURL:      redirect,
		State:            attempt.ClientState,
		Error:            code,
		ErrorDescription: description,
	})
	return redirect
}

func (s *ProxyService) deliver(attempt *domain.AuthorizationAttempt, result *LoginResult) {
	if s.waiters == nil || attempt.ClientState == "" {
		return
	}
	s.waiters.Deliver(LoginKey(attempt.ClientID, attempt.ClientState), result)
}

func (s *ProxyService) revokeOrphan(ctx context.Context, tokenID string) {
	if err := s.tokens.RevokeByID(ctx, tokenID); err != nil {
		s.logger.Error("Failed to remove orphaned token", zap.String("token_id", shortID(tokenID)), zap.Error(err))
	}
}

// Exchange redeems a proxy authorization code for the bearer token minted at
// callback time.
func (s *ProxyService) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != domain.GrantTypeAuthorizationCode {
		return nil, domain.ErrUnsupportedGrantType
	}
	if req.Code == "" {
		return nil, domain.Wrap(domain.ErrInvalidRequest, errors.New("code is required"))
	}

	client, err := s.registry.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	pending, err := s.codes.Take(ctx, hashing.Digest(req.Code))
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, domain.ErrInvalidGrant
	}
	if err != nil {
		return nil, storageError(err)
	}

	reject := func(reason string) error {
		s.logger.Info("Rejected authorization code",
			zap.String("client_id", client.ClientID),
			zap.String("reason", reason))
		s.revokeOrphan(ctx, pending.TokenID)
		return domain.ErrInvalidGrant
	}

	now := s.now()
	if !now.Before(pending.ExpiresAt) {
		return nil, reject("expired")
	}
	if pending.ClientID != client.ClientID {
		return nil, reject("client mismatch")
	}
	if pending.RedirectURIProvided && req.RedirectURI == "" {
		return nil, reject("redirect_uri missing")
	}
	if req.RedirectURI != "" && req.RedirectURI != pending.RedirectURI {
		return nil, reject("redirect_uri mismatch")
	}
	if pending.CodeChallenge != "" && !validatePKCE(req.CodeVerifier, pending.CodeChallenge, pending.CodeChallengeMethod) {
		return nil, reject("pkce verification failed")
	}

	plaintext, err := hashing.Open(req.Code, purposeCode, pending.SealedToken)
	if err != nil {
		return nil, reject("sealed token unreadable")
	}

	resp := &TokenResponse{
		AccessToken: string(plaintext),
		TokenType:   "Bearer",
		Scope:       strings.Join(pending.Scopes, " "),
	}
	if remaining := pending.TokenExpiresAt.Sub(now); remaining > 0 {
		resp.ExpiresIn = int64(remaining / time.Second)
	}
	return resp, nil
}

// Revoke removes a proxy token and asks GitLab to revoke the token behind it
func (s *ProxyService) Revoke(ctx context.Context, token string) error {
	grant, err := s.tokens.Revoke(ctx, token)
	if err != nil {
		return err
	}
	if grant == nil || grant.Upstream == nil || grant.Upstream.AccessToken == "" {
		return nil
	}
	if err := s.upstream.Revoke(ctx, grant.Upstream.AccessToken); err != nil {
		s.logger.Warn("Upstream revocation failed", zap.String("client_id", grant.ClientID), zap.Error(err))
	}
	return nil
}

// Verify returns the grant behind a bearer token
func (s *ProxyService) Verify(ctx context.Context, token string) (*domain.Grant, error) {
	return s.tokens.Verify(ctx, token)
}

// AwaitLogin blocks until the login identified by the client's state completes
func (s *ProxyService) AwaitLogin(ctx context.Context, clientID, clientState string) (*LoginResult, error) {
	if clientState == "" {
		return nil, domain.Wrap(domain.ErrInvalidRequest, errors.New("state is required"))
	}
	if _, err := s.registry.Registered(ctx, clientID); err != nil {
		return nil, err
	}
	return s.waiters.Wait(ctx, LoginKey(clientID, clientState))
}

func errorRedirect(redirectURI, state, code, description string) string {
	params := url.Values{"error": {code}}
	if description != "" {
		params.Set("error_description", description)
	}
	return withQuery(redirectURI, params, state)
}

func withQuery(redirectURI string, params url.Values, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for key, values := range params {
		q[key] = values
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// oauthErrorCode keeps upstream error codes that are plain RFC 6749 tokens
func oauthErrorCode(code string) string {
	for _, r := range code {
		if (r < 'a' || r > 'z') && r != '_' {
			return "server_error"
		}
	}
	return code
}
