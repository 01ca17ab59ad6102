package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rndrntwrk/milaidy/pkg/memory"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// MemoryStore is the PostgreSQL-backed memory.Store.
type MemoryStore struct {
	db *stdsql.DB
}

// NewMemoryStore creates a persistent memory store.
func NewMemoryStore(client *Client) *MemoryStore {
	return &MemoryStore{db: client.DB()}
}

// Insert implements memory.Store.
func (s *MemoryStore) Insert(ctx context.Context, entry *models.MemoryEntry) error {
	return s.insert(ctx, s.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (stdsql.Result, error)
}

func (s *MemoryStore) insert(ctx context.Context, db execer, entry *models.MemoryEntry) error {
	embedding, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO memory_entries
			(id, kind, content, content_hash, embedding, source, trust_value, trust_tier, state, created_at, supersedes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''))`,
		entry.ID, entry.Kind, entry.Content, memory.ContentHash(entry.Content), embedding,
		entry.Source, entry.Trust.Value, string(entry.Trust.Tier), string(entry.State),
		entry.CreatedAt, entry.Supersedes)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return nil
}

const memoryColumns = `id, kind, content, embedding, source, trust_value, trust_tier, state, created_at,
	COALESCE(supersedes, ''), COALESCE(superseded_by, '')`

func scanMemoryEntry(row interface{ Scan(...any) error }) (*models.MemoryEntry, error) {
	var (
		entry     models.MemoryEntry
		embedding []byte
		tier      string
		state     string
	)
	err := row.Scan(&entry.ID, &entry.Kind, &entry.Content, &embedding, &entry.Source,
		&entry.Trust.Value, &tier, &state, &entry.CreatedAt,
		&entry.Supersedes, &entry.SupersededBy)
	if err != nil {
		return nil, err
	}
	entry.Trust.Tier = models.TrustTier(tier)
	entry.State = models.MemoryState(state)
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &entry.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
	}
	return &entry, nil
}

// Get implements memory.Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_entries WHERE id = $1`, id)
	entry, err := scanMemoryEntry(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("memory entry %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return entry, nil
}

// UpdateState implements memory.Store.
func (s *MemoryStore) UpdateState(ctx context.Context, id string, state models.MemoryState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory entry %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// Supersede implements memory.Store: insert and link in one transaction.
func (s *MemoryStore) Supersede(ctx context.Context, oldID string, entry *models.MemoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE memory_entries SET superseded_by = $2 WHERE id = $1`, oldID, entry.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory entry %s: %w", oldID, models.ErrNotFound)
	}

	entry.Supersedes = oldID
	if err := s.insert(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// List implements memory.Store.
func (s *MemoryStore) List(ctx context.Context, filter memory.ListFilter) ([]*models.MemoryEntry, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory_entries WHERE 1=1`
	var args []any

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, states)
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if !filter.IncludeSuperseded {
		query += " AND superseded_by IS NULL"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []*models.MemoryEntry
	for rows.Next() {
		entry, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// FindDuplicate implements memory.Store.
func (s *MemoryStore) FindDuplicate(ctx context.Context, kind, contentHash string) (*models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_entries
		 WHERE kind = $1 AND content_hash = $2 AND state = 'committed' AND superseded_by IS NULL
		 LIMIT 1`, kind, contentHash)
	entry, err := scanMemoryEntry(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return entry, nil
}
