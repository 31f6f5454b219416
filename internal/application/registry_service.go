package application

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/hashing"
	"go.uber.org/zap"
)

const maxIDAttempts = 5

// RegistryService is the dynamic client registry
type RegistryService struct {
	clients  domain.ClientRepository
	upstream domain.UpstreamClient
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewRegistryService(clients domain.ClientRepository, upstream domain.UpstreamClient, logger *zap.Logger) *RegistryService {
	return &RegistryService{
		clients:  clients,
		upstream: upstream,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Register creates a proxy-local client. The plaintext secret is only ever
// present on the returned value.
func (s *RegistryService) Register(ctx context.Context, meta domain.ClientMetadata) (*domain.RegisteredClient, error) {
	client, err := s.normalize(meta)
	if err != nil {
		s.logger.Debug("Rejected client registration", zap.Error(err))
		return nil, err
	}

	if client.TokenEndpointAuthMethod != domain.AuthMethodNone {
		secret, err := hashing.RandomString(32)
		if err != nil {
			return nil, domain.Wrap(domain.ErrStorage, err)
		}
		hash, err := hashing.HashSecret(secret)
		if err != nil {
			return nil, domain.Wrap(domain.ErrStorage, err)
		}
		client.ClientSecret = secret
		client.ClientSecretHash = hash
	}

	for i := 0; i < maxIDAttempts; i++ {
		id := s.newID()
		if id == s.upstream.ClientID {
			continue
		}
		client.ClientID = id
		client.IssuedAt = s.now().UTC()

		ok, err := s.clients.Create(ctx, client)
		if err != nil {
			s.logger.Error("Failed to store registered client", zap.Error(err))
			return nil, storageError(err)
		}
		if ok {
			s.logger.Info("Registered client",
				zap.String("client_id", client.ClientID),
				zap.String("client_name", client.ClientName),
				zap.Strings("redirect_uris", client.RedirectURIs))
			return client, nil
		}
	}

	return nil, domain.Wrap(domain.ErrStorage, errors.New("could not allocate a unique client id"))
}

func (s *RegistryService) normalize(meta domain.ClientMetadata) (*domain.RegisteredClient, error) {
	if len(meta.RedirectURIs) == 0 {
		return nil, domain.Wrap(domain.ErrInvalidRedirectURIMetadata, errors.New("at least one redirect_uri is required"))
	}
	for _, raw := range meta.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return nil, domain.Wrap(domain.ErrInvalidRedirectURIMetadata, err)
		}
	}

	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{domain.GrantTypeAuthorizationCode, domain.GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != domain.GrantTypeAuthorizationCode && gt != domain.GrantTypeRefreshToken {
			return nil, domain.Wrap(domain.ErrInvalidClientMetadata, fmt.Errorf("unsupported grant_type %q", gt))
		}
	}
	if !slices.Contains(grantTypes, domain.GrantTypeAuthorizationCode) {
		return nil, domain.Wrap(domain.ErrInvalidClientMetadata, errors.New("grant_types must include authorization_code"))
	}

	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{domain.ResponseTypeCode}
	}
	for _, rt := range responseTypes {
		if rt != domain.ResponseTypeCode {
			return nil, domain.Wrap(domain.ErrInvalidClientMetadata, fmt.Errorf("unsupported response_type %q", rt))
		}
	}

	method := meta.TokenEndpointAuthMethod
	switch method {
	case "":
		method = domain.AuthMethodClientSecretBasic
	case domain.AuthMethodClientSecretBasic, domain.AuthMethodClientSecretPost, domain.AuthMethodNone:
	default:
		return nil, domain.Wrap(domain.ErrInvalidClientMetadata, fmt.Errorf("unsupported token_endpoint_auth_method %q", method))
	}

	return &domain.RegisteredClient{
		ClientName:              strings.TrimSpace(meta.ClientName),
		RedirectURIs:            slices.Clone(meta.RedirectURIs),
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: method,
	}, nil
}

// validateRedirectURI accepts https URLs, http on loopback hosts and private-use
// schemes of native apps.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri %q is not a URL", raw)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect_uri %q must be absolute", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("redirect_uri %q has no host", raw)
		}
	case "http":
		if !domain.IsLoopbackHost(u.Hostname()) {
			return fmt.Errorf("redirect_uri %q must use https unless it targets a loopback address", raw)
		}
	case "javascript", "data", "file", "vbscript":
		return fmt.Errorf("redirect_uri scheme %q is not allowed", u.Scheme)
	}
	return nil
}

// Lookup resolves a client id. The upstream id resolves to the upstream
// descriptor and never to a registered client.
func (s *RegistryService) Lookup(ctx context.Context, clientID string) (*domain.ClientLookup, error) {
	if clientID == "" {
		return nil, domain.ErrClientNotFound
	}
	if clientID == s.upstream.ClientID {
		upstream := s.upstream
		return &domain.ClientLookup{Kind: domain.ClientUpstream, Upstream: &upstream}, nil
	}

	client, err := s.clients.FindByID(ctx, clientID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, domain.ErrClientNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return &domain.ClientLookup{Kind: domain.ClientRegistered, Client: client}, nil
}

// Registered returns the registered client or ErrInvalidClient
func (s *RegistryService) Registered(ctx context.Context, clientID string) (*domain.RegisteredClient, error) {
	lookup, err := s.Lookup(ctx, clientID)
	if errors.Is(err, domain.ErrClientNotFound) {
		return nil, domain.ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}
	if lookup.Kind != domain.ClientRegistered {
		return nil, domain.ErrInvalidClient
	}
	return lookup.Client, nil
}

// Authenticate checks client credentials presented at the token endpoint
func (s *RegistryService) Authenticate(ctx context.Context, clientID, secret string) (*domain.RegisteredClient, error) {
	client, err := s.Registered(ctx, clientID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidClient) {
			_ = hashing.CheckSecret(secret, "")
		}
		return nil, err
	}

	if client.TokenEndpointAuthMethod == domain.AuthMethodNone {
		return client, nil
	}
	if err := hashing.CheckSecret(secret, client.ClientSecretHash); err != nil {
		s.logger.Debug("Client authentication failed", zap.String("client_id", clientID))
		return nil, domain.ErrInvalidClient
	}
	return client, nil
}

func storageError(err error) error {
	if errors.Is(err, domain.ErrStorage) {
		return err
	}
	return domain.Wrap(domain.ErrStorage, err)
}
