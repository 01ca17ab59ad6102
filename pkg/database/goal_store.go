package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// GoalStore is the PostgreSQL-backed goals.Store. Goals and todos share the
// goals table, discriminated by is_todo.
type GoalStore struct {
	db *stdsql.DB
}

// NewGoalStore creates a persistent goal store.
func NewGoalStore(client *Client) *GoalStore {
	return &GoalStore{db: client.DB()}
}

func (s *GoalStore) insert(ctx context.Context, goal *models.Goal, isTodo, urgent bool, parentGoalID string) error {
	tags, err := json.Marshal(goal.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	metadata, err := json.Marshal(goal.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO goals
			(id, name, description, tags, priority, urgent, parent_goal_id, is_todo, completed, completed_at, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12)`,
		goal.ID, goal.Name, goal.Description, tags, goal.Priority, urgent, parentGoalID,
		isTodo, goal.Completed, goal.CompletedAt, goal.CreatedAt, metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return nil
}

func (s *GoalStore) update(ctx context.Context, goal *models.Goal, isTodo, urgent bool, parentGoalID string) error {
	tags, err := json.Marshal(goal.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	metadata, err := json.Marshal(goal.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE goals SET name=$2, description=$3, tags=$4, priority=$5, urgent=$6,
			parent_goal_id=NULLIF($7, ''), completed=$8, completed_at=$9, metadata=$10
		 WHERE id = $1 AND is_todo = $11`,
		goal.ID, goal.Name, goal.Description, tags, goal.Priority, urgent, parentGoalID,
		goal.Completed, goal.CompletedAt, metadata, isTodo)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("goal %s: %w", goal.ID, models.ErrNotFound)
	}
	return nil
}

const goalColumns = `id, name, description, tags, priority, urgent, COALESCE(parent_goal_id, ''),
	completed, completed_at, created_at, metadata`

func scanGoal(row interface{ Scan(...any) error }) (*models.Todo, error) {
	var (
		todo     models.Todo
		tags     []byte
		metadata []byte
	)
	err := row.Scan(&todo.ID, &todo.Name, &todo.Description, &tags, &todo.Priority,
		&todo.Urgent, &todo.ParentGoalID, &todo.Completed, &todo.CompletedAt,
		&todo.CreatedAt, &metadata)
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &todo.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &todo.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &todo, nil
}

func (s *GoalStore) get(ctx context.Context, id string, isTodo bool) (*models.Todo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE id = $1 AND is_todo = $2`, id, isTodo)
	todo, err := scanGoal(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("goal %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return todo, nil
}

func (s *GoalStore) list(ctx context.Context, isTodo bool) ([]*models.Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE is_todo = $1 ORDER BY created_at`, isTodo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []*models.Todo
	for rows.Next() {
		todo, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		out = append(out, todo)
	}
	return out, rows.Err()
}

func (s *GoalStore) delete(ctx context.Context, id string, isTodo bool) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM goals WHERE id = $1 AND is_todo = $2`, id, isTodo)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("goal %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// InsertGoal implements goals.Store.
func (s *GoalStore) InsertGoal(ctx context.Context, goal *models.Goal) error {
	return s.insert(ctx, goal, false, false, "")
}

// GetGoal implements goals.Store.
func (s *GoalStore) GetGoal(ctx context.Context, id string) (*models.Goal, error) {
	todo, err := s.get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	goal := todo.Goal
	return &goal, nil
}

// UpdateGoal implements goals.Store.
func (s *GoalStore) UpdateGoal(ctx context.Context, goal *models.Goal) error {
	return s.update(ctx, goal, false, false, "")
}

// DeleteGoal implements goals.Store.
func (s *GoalStore) DeleteGoal(ctx context.Context, id string) error {
	return s.delete(ctx, id, false)
}

// ListGoals implements goals.Store.
func (s *GoalStore) ListGoals(ctx context.Context) ([]*models.Goal, error) {
	todos, err := s.list(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Goal, len(todos))
	for i, t := range todos {
		goal := t.Goal
		out[i] = &goal
	}
	return out, nil
}

// InsertTodo implements goals.Store.
func (s *GoalStore) InsertTodo(ctx context.Context, todo *models.Todo) error {
	return s.insert(ctx, &todo.Goal, true, todo.Urgent, todo.ParentGoalID)
}

// GetTodo implements goals.Store.
func (s *GoalStore) GetTodo(ctx context.Context, id string) (*models.Todo, error) {
	return s.get(ctx, id, true)
}

// UpdateTodo implements goals.Store.
func (s *GoalStore) UpdateTodo(ctx context.Context, todo *models.Todo) error {
	return s.update(ctx, &todo.Goal, true, todo.Urgent, todo.ParentGoalID)
}

// DeleteTodo implements goals.Store.
func (s *GoalStore) DeleteTodo(ctx context.Context, id string) error {
	return s.delete(ctx, id, true)
}

// ListTodos implements goals.Store.
func (s *GoalStore) ListTodos(ctx context.Context) ([]*models.Todo, error) {
	return s.list(ctx, true)
}
