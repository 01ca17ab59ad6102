package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// IdentityStore is the PostgreSQL-backed identity.Store. Versions are
// append-only; the payload column holds the full descriptor.
type IdentityStore struct {
	db *stdsql.DB
}

// NewIdentityStore creates a persistent identity store.
func NewIdentityStore(client *Client) *IdentityStore {
	return &IdentityStore{db: client.DB()}
}

// SaveVersion implements identity.Store.
func (s *IdentityStore) SaveVersion(ctx context.Context, descriptor models.IdentityDescriptor) error {
	payload, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("failed to marshal identity descriptor: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identity_versions (version, hash, payload) VALUES ($1, $2, $3)`,
		descriptor.Version, descriptor.Hash, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return nil
}

// LatestVersion implements identity.Store.
func (s *IdentityStore) LatestVersion(ctx context.Context) (models.IdentityDescriptor, error) {
	var payload []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM identity_versions ORDER BY version DESC LIMIT 1`)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return models.IdentityDescriptor{}, models.ErrNotFound
		}
		return models.IdentityDescriptor{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	var descriptor models.IdentityDescriptor
	if err := json.Unmarshal(payload, &descriptor); err != nil {
		return models.IdentityDescriptor{}, fmt.Errorf("failed to decode identity descriptor: %w", err)
	}
	return descriptor, nil
}
