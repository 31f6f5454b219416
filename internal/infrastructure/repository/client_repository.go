package repository

import (
	"context"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"go.uber.org/zap"
)

// ClientRepository implements domain.ClientRepository over a domain.Store
type ClientRepository struct {
	records records[domain.RegisteredClient]
}

// NewClientRepository creates a new ClientRepository
func NewClientRepository(store domain.Store, logger *zap.Logger) domain.ClientRepository {
	return &ClientRepository{
		records: records[domain.RegisteredClient]{store: store, ns: domain.NamespaceClients, logger: logger},
	}
}

// Create stores a client record with no expiry
func (r *ClientRepository) Create(ctx context.Context, client *domain.RegisteredClient) (bool, error) {
	return r.records.put(ctx, client.ClientID, client, time.Time{}, true)
}

func (r *ClientRepository) FindByID(ctx context.Context, id string) (*domain.RegisteredClient, error) {
	return r.records.get(ctx, id)
}
