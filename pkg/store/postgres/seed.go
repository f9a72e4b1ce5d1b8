package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskops/sentinel/pkg/models"
)

// CreateConnection stores a connection row. Token columns hold whatever
// the caller passes; encryption happens before this layer.
func (s *Store) CreateConnection(ctx context.Context, c *models.Connection) error {
	scopes, err := json.Marshal(c.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	if c.Scopes == nil {
		scopes = []byte("[]")
	}
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO connections (
			organization_id, provider, access_token, refresh_token,
			provider_user_id, provider_email, scopes
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		c.OrganizationID, c.Provider, c.AccessToken, c.RefreshToken,
		c.ProviderUserID, c.ProviderEmail, scopes)
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

// CreateQueue stores a queue row.
func (s *Store) CreateQueue(ctx context.Context, q *models.Queue) error {
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO queues (organization_id, queue_type, name)
		VALUES ($1, $2, $3)
		RETURNING id`,
		q.OrganizationID, q.QueueType, q.Name)
	if err := row.Scan(&q.ID); err != nil {
		return fmt.Errorf("inserting queue: %w", err)
	}
	return nil
}
