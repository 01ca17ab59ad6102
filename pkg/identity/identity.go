// Package identity manages the agent's versioned identity descriptor. Every
// update increments the version and recomputes the deterministic hash; old
// versions are retained for audit.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Store is the persistence contract for identity versions.
type Store interface {
	// SaveVersion appends a new descriptor version.
	SaveVersion(ctx context.Context, descriptor models.IdentityDescriptor) error
	// LatestVersion returns the most recent descriptor, or NotFound.
	LatestVersion(ctx context.Context) (models.IdentityDescriptor, error)
}

// Patch carries optional descriptor updates.
type Patch struct {
	Persona            *string            `json:"persona,omitempty"`
	CommunicationStyle *string            `json:"communication_style,omitempty"`
	SoftPreferences    *map[string]string `json:"soft_preferences,omitempty"`
	HardConstraints    *[]string          `json:"hard_constraints,omitempty"`
}

// Manager serializes identity reads and updates.
type Manager struct {
	mu      sync.Mutex
	store   Store
	current models.IdentityDescriptor
}

// NewManager loads the latest version from the store, or seeds version 1
// from the initial descriptor when the store is empty.
func NewManager(ctx context.Context, store Store, initial models.IdentityDescriptor) (*Manager, error) {
	m := &Manager{store: store}

	latest, err := store.LatestVersion(ctx)
	switch {
	case err == nil:
		m.current = latest
	default:
		initial.Version = 1
		initial.Hash = Hash(initial)
		if saveErr := store.SaveVersion(ctx, initial); saveErr != nil {
			return nil, fmt.Errorf("failed to seed identity: %w", saveErr)
		}
		m.current = initial
	}
	return m, nil
}

// Current returns the active descriptor.
func (m *Manager) Current() models.IdentityDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update applies a patch, increments the version, recomputes the hash, and
// persists the new version. Returns the updated descriptor.
func (m *Manager) Update(ctx context.Context, patch Patch) (models.IdentityDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	if patch.Persona != nil {
		next.Persona = *patch.Persona
	}
	if patch.CommunicationStyle != nil {
		next.CommunicationStyle = *patch.CommunicationStyle
	}
	if patch.SoftPreferences != nil {
		next.SoftPreferences = *patch.SoftPreferences
	}
	if patch.HardConstraints != nil {
		next.HardConstraints = *patch.HardConstraints
	}

	next.Version = m.current.Version + 1
	next.Hash = Hash(next)

	if err := m.store.SaveVersion(ctx, next); err != nil {
		return models.IdentityDescriptor{}, fmt.Errorf("failed to save identity version: %w", err)
	}
	m.current = next
	return next, nil
}

// Hash computes the deterministic digest of a descriptor's content fields
// (everything except version and hash itself). Map keys are sorted so the
// digest is stable across runs.
func Hash(d models.IdentityDescriptor) string {
	prefKeys := make([]string, 0, len(d.SoftPreferences))
	for k := range d.SoftPreferences {
		prefKeys = append(prefKeys, k)
	}
	sort.Strings(prefKeys)

	h := sha256.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(d.Persona)
	write(d.CommunicationStyle)
	for _, k := range prefKeys {
		write(k)
		write(d.SoftPreferences[k])
	}
	for _, c := range d.HardConstraints {
		write(c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// InMemoryStore is the process-local Store implementation.
type InMemoryStore struct {
	mu       sync.RWMutex
	versions []models.IdentityDescriptor
}

// NewInMemoryStore creates an empty in-memory identity store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// SaveVersion implements Store.
func (s *InMemoryStore) SaveVersion(_ context.Context, descriptor models.IdentityDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.versions) > 0 && s.versions[len(s.versions)-1].Version >= descriptor.Version {
		return fmt.Errorf("identity version %d: %w", descriptor.Version, models.ErrConflict)
	}
	s.versions = append(s.versions, descriptor)
	return nil
}

// LatestVersion implements Store.
func (s *InMemoryStore) LatestVersion(_ context.Context) (models.IdentityDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.versions) == 0 {
		return models.IdentityDescriptor{}, models.ErrNotFound
	}
	return s.versions[len(s.versions)-1], nil
}
