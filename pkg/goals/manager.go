// Package goals tracks the agent's goals and derived todos with
// priority-aware ordering. Updates are serialized; listings are sorted the
// way the UI consumes them.
package goals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Store is the persistence contract for goals and todos.
type Store interface {
	InsertGoal(ctx context.Context, goal *models.Goal) error
	GetGoal(ctx context.Context, id string) (*models.Goal, error)
	UpdateGoal(ctx context.Context, goal *models.Goal) error
	DeleteGoal(ctx context.Context, id string) error
	ListGoals(ctx context.Context) ([]*models.Goal, error)

	InsertTodo(ctx context.Context, todo *models.Todo) error
	GetTodo(ctx context.Context, id string) (*models.Todo, error)
	UpdateTodo(ctx context.Context, todo *models.Todo) error
	DeleteTodo(ctx context.Context, id string) error
	ListTodos(ctx context.Context) ([]*models.Todo, error)
}

// GoalPatch carries optional updates for a goal.
type GoalPatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Tags        *[]string       `json:"tags,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	Metadata    *map[string]any `json:"metadata,omitempty"`
}

// TodoPatch carries optional updates for a todo.
type TodoPatch struct {
	GoalPatch
	Urgent       *bool   `json:"urgent,omitempty"`
	ParentGoalID *string `json:"parent_goal_id,omitempty"`
}

// Manager owns goal/todo lifecycle. Mutations are serialized by a single
// mutex; listings read a snapshot and sort without the lock held.
type Manager struct {
	mu    sync.Mutex
	store Store
}

// NewManager creates a goal manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// CreateGoal validates and stores a new goal. Priority defaults to 3.
func (m *Manager) CreateGoal(ctx context.Context, goal models.Goal) (*models.Goal, error) {
	if goal.Name == "" {
		return nil, fmt.Errorf("goal name: %w", models.ErrConflict)
	}
	if goal.Priority == 0 {
		goal.Priority = 3
	}
	if goal.Priority < 1 || goal.Priority > 5 {
		return nil, fmt.Errorf("goal priority %d out of range 1..5: %w", goal.Priority, models.ErrConflict)
	}
	goal.ID = uuid.New().String()
	goal.CreatedAt = time.Now()
	goal.Completed = false
	goal.CompletedAt = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.InsertGoal(ctx, &goal); err != nil {
		return nil, err
	}
	return &goal, nil
}

// GetGoal returns a goal by ID.
func (m *Manager) GetGoal(ctx context.Context, id string) (*models.Goal, error) {
	return m.store.GetGoal(ctx, id)
}

// UpdateGoal applies a patch to an existing goal.
func (m *Manager) UpdateGoal(ctx context.Context, id string, patch GoalPatch) (*models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	goal, err := m.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	applyGoalPatch(goal, patch)
	if goal.Priority < 1 || goal.Priority > 5 {
		return nil, fmt.Errorf("goal priority %d out of range 1..5: %w", goal.Priority, models.ErrConflict)
	}
	if err := m.store.UpdateGoal(ctx, goal); err != nil {
		return nil, err
	}
	return goal, nil
}

// SetGoalCompleted toggles completion. Completing records completedAt;
// reopening clears both.
func (m *Manager) SetGoalCompleted(ctx context.Context, id string, completed bool) (*models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	goal, err := m.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	goal.Completed = completed
	if completed {
		now := time.Now()
		goal.CompletedAt = &now
	} else {
		goal.CompletedAt = nil
	}
	if err := m.store.UpdateGoal(ctx, goal); err != nil {
		return nil, err
	}
	return goal, nil
}

// DeleteGoal removes a goal.
func (m *Manager) DeleteGoal(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteGoal(ctx, id)
}

// ListGoals returns goals sorted by (priority asc, created_at desc).
func (m *Manager) ListGoals(ctx context.Context) ([]*models.Goal, error) {
	goals, err := m.store.ListGoals(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(goals, func(i, j int) bool {
		if goals[i].Priority != goals[j].Priority {
			return goals[i].Priority < goals[j].Priority
		}
		return goals[i].CreatedAt.After(goals[j].CreatedAt)
	})
	return goals, nil
}

// CreateTodo validates and stores a new todo.
func (m *Manager) CreateTodo(ctx context.Context, todo models.Todo) (*models.Todo, error) {
	if todo.Name == "" {
		return nil, fmt.Errorf("todo name: %w", models.ErrConflict)
	}
	if todo.Priority == 0 {
		todo.Priority = 3
	}
	if todo.Priority < 1 || todo.Priority > 5 {
		return nil, fmt.Errorf("todo priority %d out of range 1..5: %w", todo.Priority, models.ErrConflict)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if todo.ParentGoalID != "" {
		if _, err := m.store.GetGoal(ctx, todo.ParentGoalID); err != nil {
			return nil, fmt.Errorf("parent goal %s: %w", todo.ParentGoalID, err)
		}
	}
	todo.ID = uuid.New().String()
	todo.CreatedAt = time.Now()
	todo.Completed = false
	todo.CompletedAt = nil

	if err := m.store.InsertTodo(ctx, &todo); err != nil {
		return nil, err
	}
	return &todo, nil
}

// GetTodo returns a todo by ID.
func (m *Manager) GetTodo(ctx context.Context, id string) (*models.Todo, error) {
	return m.store.GetTodo(ctx, id)
}

// UpdateTodo applies a patch to an existing todo.
func (m *Manager) UpdateTodo(ctx context.Context, id string, patch TodoPatch) (*models.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	todo, err := m.store.GetTodo(ctx, id)
	if err != nil {
		return nil, err
	}
	applyGoalPatch(&todo.Goal, patch.GoalPatch)
	if patch.Urgent != nil {
		todo.Urgent = *patch.Urgent
	}
	if patch.ParentGoalID != nil {
		todo.ParentGoalID = *patch.ParentGoalID
	}
	if todo.Priority < 1 || todo.Priority > 5 {
		return nil, fmt.Errorf("todo priority %d out of range 1..5: %w", todo.Priority, models.ErrConflict)
	}
	if err := m.store.UpdateTodo(ctx, todo); err != nil {
		return nil, err
	}
	return todo, nil
}

// SetTodoCompleted toggles completion on a todo.
func (m *Manager) SetTodoCompleted(ctx context.Context, id string, completed bool) (*models.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	todo, err := m.store.GetTodo(ctx, id)
	if err != nil {
		return nil, err
	}
	todo.Completed = completed
	if completed {
		now := time.Now()
		todo.CompletedAt = &now
	} else {
		todo.CompletedAt = nil
	}
	if err := m.store.UpdateTodo(ctx, todo); err != nil {
		return nil, err
	}
	return todo, nil
}

// DeleteTodo removes a todo.
func (m *Manager) DeleteTodo(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteTodo(ctx, id)
}

// ListTodos returns todos sorted by (urgent desc, priority asc, name asc).
func (m *Manager) ListTodos(ctx context.Context) ([]*models.Todo, error) {
	todos, err := m.store.ListTodos(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(todos, func(i, j int) bool {
		if todos[i].Urgent != todos[j].Urgent {
			return todos[i].Urgent
		}
		if todos[i].Priority != todos[j].Priority {
			return todos[i].Priority < todos[j].Priority
		}
		return todos[i].Name < todos[j].Name
	})
	return todos, nil
}

func applyGoalPatch(goal *models.Goal, patch GoalPatch) {
	if patch.Name != nil {
		goal.Name = *patch.Name
	}
	if patch.Description != nil {
		goal.Description = *patch.Description
	}
	if patch.Tags != nil {
		goal.Tags = *patch.Tags
	}
	if patch.Priority != nil {
		goal.Priority = *patch.Priority
	}
	if patch.Metadata != nil {
		goal.Metadata = *patch.Metadata
	}
}
