// Package memory implements the kernel's gated memory: candidates are
// scored, then committed, quarantined, or rejected; retrieval only serves
// committed entries unless quarantined ones are explicitly requested.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// ListFilter selects entries from the store.
type ListFilter struct {
	// States restricts to these lifecycle states; empty means all.
	States []models.MemoryState
	// Kind restricts to one kind; empty means all.
	Kind string
	// IncludeSuperseded includes entries another entry has replaced.
	IncludeSuperseded bool
}

// Store is the persistence contract for memory entries. Rejected candidates
// are never inserted; state is the only field that mutates in place besides
// the supersession links.
type Store interface {
	Insert(ctx context.Context, entry *models.MemoryEntry) error
	Get(ctx context.Context, id string) (*models.MemoryEntry, error)
	UpdateState(ctx context.Context, id string, state models.MemoryState) error
	// Supersede atomically inserts the new entry and links it to the old one.
	Supersede(ctx context.Context, oldID string, entry *models.MemoryEntry) error
	List(ctx context.Context, filter ListFilter) ([]*models.MemoryEntry, error)
	// FindDuplicate returns a non-superseded committed entry of the same kind
	// with identical content, or nil.
	FindDuplicate(ctx context.Context, kind, contentHash string) (*models.MemoryEntry, error)
}

// ContentHash returns the duplicate-detection digest for entry content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// InMemoryStore is the process-local Store implementation.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.MemoryEntry
	// byHash indexes active committed entries: kind + "\x00" + hash → id.
	byHash map[string]string
	// order preserves insertion order for stable listings.
	order []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]*models.MemoryEntry),
		byHash:  make(map[string]string),
	}
}

func hashKey(kind, contentHash string) string {
	return kind + "\x00" + contentHash
}

// Insert implements Store.
func (s *InMemoryStore) Insert(_ context.Context, entry *models.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(entry)
}

func (s *InMemoryStore) insertLocked(entry *models.MemoryEntry) error {
	if _, ok := s.entries[entry.ID]; ok {
		return fmt.Errorf("memory entry %s: %w", entry.ID, models.ErrConflict)
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	s.order = append(s.order, entry.ID)
	if cp.State == models.MemoryCommitted {
		s.byHash[hashKey(cp.Kind, ContentHash(cp.Content))] = cp.ID
	}
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, id string) (*models.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("memory entry %s: %w", id, models.ErrNotFound)
	}
	cp := *entry
	return &cp, nil
}

// UpdateState implements Store.
func (s *InMemoryStore) UpdateState(_ context.Context, id string, state models.MemoryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("memory entry %s: %w", id, models.ErrNotFound)
	}
	key := hashKey(entry.Kind, ContentHash(entry.Content))
	if entry.State == models.MemoryCommitted && state != models.MemoryCommitted {
		delete(s.byHash, key)
	}
	entry.State = state
	if state == models.MemoryCommitted && entry.SupersededBy == "" {
		s.byHash[key] = id
	}
	return nil
}

// Supersede implements Store.
func (s *InMemoryStore) Supersede(_ context.Context, oldID string, entry *models.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.entries[oldID]
	if !ok {
		return fmt.Errorf("memory entry %s: %w", oldID, models.ErrNotFound)
	}
	entry.Supersedes = oldID
	if err := s.insertLocked(entry); err != nil {
		return err
	}
	old.SupersededBy = entry.ID
	delete(s.byHash, hashKey(old.Kind, ContentHash(old.Content)))
	return nil
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context, filter ListFilter) ([]*models.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[models.MemoryState]bool, len(filter.States))
	for _, st := range filter.States {
		states[st] = true
	}

	var out []*models.MemoryEntry
	for _, id := range s.order {
		entry := s.entries[id]
		if len(states) > 0 && !states[entry.State] {
			continue
		}
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		if !filter.IncludeSuperseded && entry.SupersededBy != "" {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

// FindDuplicate implements Store.
func (s *InMemoryStore) FindDuplicate(_ context.Context, kind, contentHash string) (*models.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hashKey(kind, contentHash)]
	if !ok {
		return nil, nil
	}
	entry := s.entries[id]
	cp := *entry
	return &cp, nil
}

// RankEntries orders entries by (tier desc, recency desc). Shared by store
// implementations and the gate's retrieval path.
func RankEntries(entries []*models.MemoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Trust.Tier.Rank(), entries[j].Trust.Tier.Rank()
		if ri != rj {
			return ri > rj
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
