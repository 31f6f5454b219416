package handlers

import (
	"net/http"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"go.uber.org/zap"
)

const (
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	ProtectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"
)

// MetadataHandler serves the discovery documents. Issuer is the public base URL
// including the path prefix; every endpoint hangs off it.
type MetadataHandler struct {
	issuer string
	scopes []string
	logger *zap.Logger
}

// NewMetadataHandler creates a new MetadataHandler
func NewMetadataHandler(issuer string, scopes []string, logger *zap.Logger) *MetadataHandler {
	return &MetadataHandler{
		issuer: issuer,
		scopes: scopes,
		logger: logger,
	}
}

// ResourceMetadataURL is advertised in WWW-Authenticate challenges
func (h *MetadataHandler) ResourceMetadataURL() string {
	return h.issuer + ProtectedResourceMetadataPath
}

// AuthorizationServerHandler serves RFC 8414 metadata
func (h *MetadataHandler) AuthorizationServerHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                h.issuer,
		AuthorizationEndpoint: h.issuer + "/authorize",
		TokenEndpoint:         h.issuer + "/token",
		RegistrationEndpoint:  h.issuer + "/register",
		RevocationEndpoint:    h.issuer + "/revoke",
		ScopesSupported:       h.scopes,
		ResponseTypesSupported: []string{
			domain.ResponseTypeCode,
		},
		GrantTypesSupported: []string{
			domain.GrantTypeAuthorizationCode,
		},
		TokenEndpointAuthMethodsSupported: []string{
			domain.AuthMethodClientSecretBasic,
			domain.AuthMethodClientSecretPost,
			domain.AuthMethodNone,
		},
		RevocationEndpointAuthMethodsSupported: []string{
			domain.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{"S256"},
	}, h.logger)
}

// ProtectedResourceHandler serves RFC 9728 metadata for /mcp
func (h *MetadataHandler) ProtectedResourceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               h.issuer + "/mcp",
		AuthorizationServers:   []string{h.issuer},
		ScopesSupported:        h.scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "GitLab MCP",
	}, h.logger)
}
