package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// EventStore is the PostgreSQL-backed events.Store. Appends are serialized
// by a process-local mutex so subscriber delivery preserves seq order; the
// seq itself comes from the table's bigserial.
type EventStore struct {
	db        *stdsql.DB
	mu        sync.Mutex
	fanout    *events.FanOut
	maxEvents int
	retention time.Duration
}

// NewEventStore creates a persistent event store with the given bounds.
func NewEventStore(client *Client, maxEvents int, retention time.Duration) *EventStore {
	return &EventStore{
		db:        client.DB(),
		fanout:    events.NewFanOut(),
		maxEvents: maxEvents,
		retention: retention,
	}
}

// Append implements events.Store.
func (s *EventStore) Append(ctx context.Context, evt models.Event) (models.Event, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO events (ts, kind, episode_id, payload) VALUES ($1, $2, NULLIF($3, ''), $4) RETURNING seq`,
		evt.TS, string(evt.Kind), evt.EpisodeID, payload)
	if err := row.Scan(&evt.Seq); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	s.evict(ctx)
	s.fanout.Dispatch(evt)
	return evt, nil
}

// evict enforces the count and age bounds. Best-effort; errors from the
// delete statements are ignored.
func (s *EventStore) evict(ctx context.Context) {
	if s.maxEvents > 0 {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM events WHERE seq <= (
				SELECT seq FROM events ORDER BY seq DESC OFFSET $1 LIMIT 1
			)`, s.maxEvents)
	}
	if s.retention > 0 {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM events WHERE ts < $1`, time.Now().Add(-s.retention))
	}
}

// Query implements events.Store.
func (s *EventStore) Query(ctx context.Context, q events.Query) ([]models.Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	add("seq > $%d", q.FromSeq)
	if q.EpisodeID != "" {
		add("episode_id = $%d", q.EpisodeID)
	}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY(string_to_array($%d, ','))", strings.Join(kinds, ","))
	}

	query := `SELECT seq, ts, kind, COALESCE(episode_id, ''), payload FROM events WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY seq`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			evt     models.Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(&evt.Seq, &evt.TS, &kind, &evt.EpisodeID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Kind = models.EventKind(kind)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &evt.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Subscribe implements events.Store. Delivery is process-local: a
// multi-writer deployment needs NOTIFY/LISTEN bridging, which the
// single-kernel process does not.
func (s *EventStore) Subscribe(filter events.Filter, sink events.Sink) func() {
	return s.fanout.Subscribe(filter, sink)
}
