package goals

import (
	"context"
	"fmt"
	"sync"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// InMemoryStore is the process-local Store implementation.
type InMemoryStore struct {
	mu    sync.RWMutex
	goals map[string]*models.Goal
	todos map[string]*models.Todo
}

// NewInMemoryStore creates an empty in-memory goal store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		goals: make(map[string]*models.Goal),
		todos: make(map[string]*models.Todo),
	}
}

// InsertGoal implements Store.
func (s *InMemoryStore) InsertGoal(_ context.Context, goal *models.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goals[goal.ID]; ok {
		return fmt.Errorf("goal %s: %w", goal.ID, models.ErrConflict)
	}
	cp := *goal
	s.goals[goal.ID] = &cp
	return nil
}

// GetGoal implements Store.
func (s *InMemoryStore) GetGoal(_ context.Context, id string) (*models.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	goal, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %s: %w", id, models.ErrNotFound)
	}
	cp := *goal
	return &cp, nil
}

// UpdateGoal implements Store.
func (s *InMemoryStore) UpdateGoal(_ context.Context, goal *models.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goals[goal.ID]; !ok {
		return fmt.Errorf("goal %s: %w", goal.ID, models.ErrNotFound)
	}
	cp := *goal
	s.goals[goal.ID] = &cp
	return nil
}

// DeleteGoal implements Store.
func (s *InMemoryStore) DeleteGoal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goals[id]; !ok {
		return fmt.Errorf("goal %s: %w", id, models.ErrNotFound)
	}
	delete(s.goals, id)
	return nil
}

// ListGoals implements Store.
func (s *InMemoryStore) ListGoals(_ context.Context) ([]*models.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Goal, 0, len(s.goals))
	for _, goal := range s.goals {
		cp := *goal
		out = append(out, &cp)
	}
	return out, nil
}

// InsertTodo implements Store.
func (s *InMemoryStore) InsertTodo(_ context.Context, todo *models.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.todos[todo.ID]; ok {
		return fmt.Errorf("todo %s: %w", todo.ID, models.ErrConflict)
	}
	cp := *todo
	s.todos[todo.ID] = &cp
	return nil
}

// GetTodo implements Store.
func (s *InMemoryStore) GetTodo(_ context.Context, id string) (*models.Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	todo, ok := s.todos[id]
	if !ok {
		return nil, fmt.Errorf("todo %s: %w", id, models.ErrNotFound)
	}
	cp := *todo
	return &cp, nil
}

// UpdateTodo implements Store.
func (s *InMemoryStore) UpdateTodo(_ context.Context, todo *models.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.todos[todo.ID]; !ok {
		return fmt.Errorf("todo %s: %w", todo.ID, models.ErrNotFound)
	}
	cp := *todo
	s.todos[todo.ID] = &cp
	return nil
}

// DeleteTodo implements Store.
func (s *InMemoryStore) DeleteTodo(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.todos[id]; !ok {
		return fmt.Errorf("todo %s: %w", id, models.ErrNotFound)
	}
	delete(s.todos, id)
	return nil
}

// ListTodos implements Store.
func (s *InMemoryStore) ListTodos(_ context.Context) ([]*models.Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Todo, 0, len(s.todos))
	for _, todo := range s.todos {
		cp := *todo
		out = append(out, &cp)
	}
	return out, nil
}
