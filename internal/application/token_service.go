package application

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/hashing"
	"go.uber.org/zap"
)

// TokenPrefix marks proxy bearer tokens; anything else is rejected without a lookup
const TokenPrefix = "gmp_"

const purposeUpstream = "gitlab-mcp-proxy/upstream-token"

// IssueRequest describes the token minted after a successful upstream exchange
type IssueRequest struct {
	ClientID  string
	Subject   string
	Scopes    []string
	ExpiresIn time.Duration
	Upstream  *domain.UpstreamToken
}

// TokenService issues and verifies opaque proxy bearer tokens. With a salted
// hasher, verification scans every stored token.
type TokenService struct {
	tokens domain.TokenRepository
	hasher domain.TokenHasher
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewTokenService(tokens domain.TokenRepository, hasher domain.TokenHasher, maxAge time.Duration, logger *zap.Logger) *TokenService {
	if maxAge <= 0 {
		maxAge = domain.DefaultTokenMaxAge
	}
	return &TokenService{
		tokens: tokens,
		hasher: hasher,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// Issue mints a token and returns its plaintext, which is never stored
func (s *TokenService) Issue(ctx context.Context, req IssueRequest) (string, *domain.IssuedToken, error) {
	secret, err := hashing.RandomString(32)
	if err != nil {
		return "", nil, domain.Wrap(domain.ErrStorage, err)
	}
	plaintext := TokenPrefix + secret

	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return "", nil, domain.Wrap(domain.ErrStorage, err)
	}

	now := s.now().UTC()
	token := &domain.IssuedToken{
		ID:       domain.NewTokenID(),
		Hash:     hash,
		ClientID: req.ClientID,
		Subject:  req.Subject,
		Scopes:   req.Scopes,
		IssuedAt: now,
	}
	if s.hasher.Deterministic() {
		token.ID = hash
	}
	if req.ExpiresIn > 0 {
		expiresAt := now.Add(req.ExpiresIn)
		token.ExpiresAt = &expiresAt
	}

	if req.Upstream != nil {
		data, err := json.Marshal(req.Upstream)
		if err != nil {
			return "", nil, domain.Wrap(domain.ErrStorage, err)
		}
		token.SealedUpstream, err = hashing.Seal(plaintext, purposeUpstream, data)
		if err != nil {
			return "", nil, domain.Wrap(domain.ErrStorage, err)
		}
	}

	if err := s.tokens.Create(ctx, token, token.Deadline(s.maxAge)); err != nil {
		return "", nil, storageError(err)
	}

	s.logger.Info("Issued token",
		zap.String("token_id", shortID(token.ID)),
		zap.String("client_id", token.ClientID),
		zap.Time("expires_at", token.Deadline(s.maxAge)))
	return plaintext, token, nil
}

// Verify returns the grant behind a bearer token. Expired tokens are deleted.
func (s *TokenService) Verify(ctx context.Context, plaintext string) (*domain.Grant, error) {
	token, err := s.find(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, domain.ErrInvalidToken
	}

	if token.Expired(s.now(), s.maxAge) {
		if _, err := s.tokens.Delete(ctx, token.ID); err != nil {
			s.logger.Error("Failed to delete expired token", zap.Error(err))
		}
		return nil, domain.ErrInvalidToken
	}

	grant, err := s.grant(plaintext, token)
	if err != nil {
		s.logger.Error("Failed to open upstream token", zap.String("token_id", shortID(token.ID)), zap.Error(err))
		return nil, domain.ErrInvalidToken
	}
	return grant, nil
}

// Revoke deletes the record behind plaintext. Unknown tokens are not an error;
// the returned grant is nil when nothing was removed.
func (s *TokenService) Revoke(ctx context.Context, plaintext string) (*domain.Grant, error) {
	token, err := s.find(ctx, plaintext)
	if err != nil || token == nil {
		return nil, err
	}

	removed, err := s.tokens.Delete(ctx, token.ID)
	if err != nil {
		return nil, storageError(err)
	}
	if !removed {
		return nil, nil
	}

	s.logger.Info("Revoked token", zap.String("token_id", shortID(token.ID)), zap.String("client_id", token.ClientID))
	grant, err := s.grant(plaintext, token)
	if err != nil {
		s.logger.Warn("Revoked token had unreadable upstream token", zap.Error(err))
		return &domain.Grant{TokenID: token.ID, ClientID: token.ClientID}, nil
	}
	return grant, nil
}

// RevokeByID deletes a token record without its plaintext
func (s *TokenService) RevokeByID(ctx context.Context, id string) error {
	if _, err := s.tokens.Delete(ctx, id); err != nil {
		return storageError(err)
	}
	return nil
}

// Sweep removes every token past its effective expiry
func (s *TokenService) Sweep(ctx context.Context) (int, error) {
	return s.tokens.DeleteExpired(ctx, s.now())
}

func (s *TokenService) find(ctx context.Context, plaintext string) (*domain.IssuedToken, error) {
	if !strings.HasPrefix(plaintext, TokenPrefix) || len(plaintext) <= len(TokenPrefix) {
		return nil, nil
	}

	if s.hasher.Deterministic() {
		hash, err := s.hasher.Hash(plaintext)
		if err != nil {
			return nil, domain.Wrap(domain.ErrStorage, err)
		}
		token, err := s.tokens.Find(ctx, hash)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, storageError(err)
		}
		if !s.hasher.Verify(plaintext, token.Hash) {
			return nil, nil
		}
		return token, nil
	}

	var found *domain.IssuedToken
	err := s.tokens.Each(ctx, func(token *domain.IssuedToken) bool {
		if s.hasher.Verify(plaintext, token.Hash) {
			found = token
			return false
		}
		return true
	})
	if err != nil {
		return nil, storageError(err)
	}
	return found, nil
}

func (s *TokenService) grant(plaintext string, token *domain.IssuedToken) (*domain.Grant, error) {
	grant := &domain.Grant{
		TokenID:   token.ID,
		ClientID:  token.ClientID,
		Subject:   token.Subject,
		Scopes:    token.Scopes,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.Deadline(s.maxAge),
	}
	if token.SealedUpstream == "" {
		return grant, nil
	}

	data, err := hashing.Open(plaintext, purposeUpstream, token.SealedUpstream)
	if err != nil {
		return nil, err
	}
	var upstream domain.UpstreamToken
	if err := json.Unmarshal(data, &upstream); err != nil {
		return nil, err
	}
	grant.Upstream = &upstream
	return grant, nil
}

// shortID keeps digest-keyed ids out of logs in full
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
