package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	httperrors "github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/http/errors"
	"go.uber.org/zap"
)

// TokenVerifier resolves a proxy bearer token to its grant
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*domain.Grant, error)
}

// Throttle bounds failed bearer verifications per caller
type Throttle interface {
	Reserve(r *http.Request) (settle func(spend bool), ok bool)
}

type AuthMiddleware struct {
	verifier         TokenVerifier
	throttle         Throttle
	resourceMetadata string
	logger           *zap.Logger
}

// NewAuthMiddleware creates the bearer middleware. resourceMetadata is the RFC 9728
// document URL advertised to rejected callers. A nil throttle disables throttling.
func NewAuthMiddleware(verifier TokenVerifier, throttle Throttle, resourceMetadata string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, throttle: throttle, resourceMetadata: resourceMetadata, logger: logger}
}

// Authenticator verifies the bearer token and stores the grant in the request context
func (m *AuthMiddleware) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.extractToken(r)
		if token == "" {
			httperrors.RespondUnauthorized(w, "Missing bearer token", m.resourceMetadata)
			return
		}

		settle := func(bool) {}
		if m.throttle != nil {
			var ok bool
			if settle, ok = m.throttle.Reserve(r); !ok {
				m.logger.Warn("Throttled bearer verification", zap.String("remote_addr", r.RemoteAddr))
				w.Header().Set("Retry-After", "1")
				httperrors.RespondWithError(w, httperrors.ErrCodeTooManyRequests, "Too many failed authentication attempts", http.StatusTooManyRequests)
				return
			}
		}

		grant, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			if domainErr := httperrors.DomainError(err); domainErr.Code == domain.ErrStorage.Code {
				settle(false)
				m.logger.Error("Token verification failed", zap.Error(err))
				httperrors.RespondWithDomainError(w, err)
				return
			}
			settle(true)
			httperrors.RespondUnauthorized(w, "Invalid or expired token", m.resourceMetadata)
			return
		}

		settle(false)
		next.ServeHTTP(w, r.WithContext(domain.WithGrant(r.Context(), grant)))
	})
}

func (m *AuthMiddleware) extractToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
