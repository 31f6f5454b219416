package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	httperrors "github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/http/errors"
	"go.uber.org/zap"
)

const maxRegistrationBody = 64 << 10

// ClientRegistry registers dynamic clients
type ClientRegistry interface {
	Register(ctx context.Context, meta domain.ClientMetadata) (*domain.RegisteredClient, error)
}

// RegistrationHandler serves RFC 7591 dynamic client registration
type RegistrationHandler struct {
	registry ClientRegistry
	logger   *zap.Logger
}

// NewRegistrationHandler creates a new RegistrationHandler
func NewRegistrationHandler(registry ClientRegistry, logger *zap.Logger) *RegistrationHandler {
	return &RegistrationHandler{
		registry: registry,
		logger:   logger,
	}
}

// RegisterHandler creates a client and returns its credentials once
func (h *RegistrationHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		h.logger.Debug("Failed to decode registration body", zap.Error(err))
		httperrors.RespondWithError(w, httperrors.ErrCodeInvalidClientMetadata, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := validate.Struct(req); err != nil {
		httperrors.RespondWithError(w, httperrors.ErrCodeInvalidClientMetadata, validationDescription(err), http.StatusBadRequest)
		return
	}

	client, err := h.registry.Register(r.Context(), domain.ClientMetadata{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		derr := httperrors.DomainError(err)
		if derr.Code == domain.ErrStorage.Code {
			h.logger.Error("Failed to register client", zap.Error(err))
			httperrors.RespondWithDomainError(w, err)
			return
		}
		// the cause carries which field was rejected
		httperrors.RespondWithError(w, derr.Code, err.Error(), http.StatusBadRequest)
		return
	}

	resp := RegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.IssuedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
	}
	if client.ClientSecret != "" {
		never := int64(0)
		resp.ClientSecretExpiresAt = &never
	}

	writeJSON(w, http.StatusCreated, resp, h.logger)
}
