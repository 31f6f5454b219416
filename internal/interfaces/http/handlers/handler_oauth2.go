package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/manorfm/gitlab-mcp-proxy/internal/application"
	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	httperrors "github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/http/errors"
	"go.uber.org/zap"
)

// OAuth2Service is the authorization flow served by OAuth2Handler
type OAuth2Service interface {
	Authorize(ctx context.Context, req application.AuthorizeRequest) (string, error)
	Callback(ctx context.Context, req application.CallbackRequest) (string, error)
	Exchange(ctx context.Context, req application.TokenRequest) (*application.TokenResponse, error)
	Revoke(ctx context.Context, token string) error
	AwaitLogin(ctx context.Context, clientID, clientState string) (*application.LoginResult, error)
}

// OAuth2Handler serves the authorize, callback, token, revoke and poll endpoints
type OAuth2Handler struct {
	service OAuth2Service
	logger  *zap.Logger
}

// NewOAuth2Handler creates a new OAuth2Handler
func NewOAuth2Handler(service OAuth2Service, logger *zap.Logger) *OAuth2Handler {
	return &OAuth2Handler{
		service: service,
		logger:  logger,
	}
}

// AuthorizeHandler starts a login and redirects the browser to GitLab
func (h *OAuth2Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := application.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
	}

	h.logger.Debug("Received authorization request",
		zap.String("client_id", req.ClientID),
		zap.String("redirect_uri", req.RedirectURI))

	location, err := h.service.Authorize(r.Context(), req)
	if err != nil {
		httperrors.RespondWithDomainError(w, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// CallbackHandler receives GitLab's redirect and sends the browser back to the client
func (h *OAuth2Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := application.CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	location, err := h.service.Callback(r.Context(), req)
	if err != nil {
		if !errors.Is(err, domain.ErrStateNotFound) && !errors.Is(err, domain.ErrStateExpired) {
			h.logger.Error("Callback failed", zap.Error(err))
		}
		httperrors.RespondWithDomainError(w, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// TokenHandler redeems a proxy authorization code
func (h *OAuth2Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httperrors.RespondWithError(w, httperrors.ErrCodeInvalidRequest, "Invalid form body", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		httperrors.RespondWithClientError(w, err)
		return
	}

	req := application.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.PostForm.Get("code_verifier"),
	}

	h.logger.Debug("Received token request",
		zap.String("grant_type", req.GrantType),
		zap.String("client_id", req.ClientID))

	resp, err := h.service.Exchange(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrStorage) {
			h.logger.Error("Token exchange failed", zap.Error(err))
		}
		httperrors.RespondWithClientError(w, err)
		return
	}

	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// RevokeHandler implements RFC 7009 revocation for proxy tokens
func (h *OAuth2Handler) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httperrors.RespondWithError(w, httperrors.ErrCodeInvalidRequest, "Invalid form body", http.StatusBadRequest)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		httperrors.RespondWithError(w, httperrors.ErrCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Revoke(r.Context(), token); err != nil {
		h.logger.Error("Failed to revoke token", zap.Error(err))
		httperrors.RespondWithDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PollHandler waits for the login started with the given client_id and state
func (h *OAuth2Handler) PollHandler(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	state := r.URL.Query().Get("state")

	result, err := h.service.AwaitLogin(r.Context(), clientID, state)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		httperrors.RespondWithDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result, h.logger)
}

// clientCredentials reads client_secret_basic or client_secret_post credentials
func clientCredentials(r *http.Request) (string, string, error) {
	formID := r.PostForm.Get("client_id")

	user, pass, ok := r.BasicAuth()
	if !ok {
		return formID, r.PostForm.Get("client_secret"), nil
	}

	id, err := url.QueryUnescape(user)
	if err != nil {
		return "", "", domain.ErrInvalidClient
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return "", "", domain.ErrInvalidClient
	}
	if formID != "" && formID != id {
		return "", "", domain.ErrInvalidClient
	}
	return id, secret, nil
}
