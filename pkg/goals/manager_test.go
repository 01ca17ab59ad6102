package goals

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

func newTestManager() *Manager {
	return NewManager(NewInMemoryStore())
}

func TestCreateGoalDefaultsAndValidation(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	goal, err := m.CreateGoal(ctx, models.Goal{Name: "ship the feature"})
	require.NoError(t, err)
	assert.NotEmpty(t, goal.ID)
	assert.Equal(t, 3, goal.Priority)
	assert.False(t, goal.Completed)

	_, err = m.CreateGoal(ctx, models.Goal{Name: ""})
	assert.Error(t, err)

	_, err = m.CreateGoal(ctx, models.Goal{Name: "bad", Priority: 9})
	assert.Error(t, err)
}

func TestListGoalsOrdering(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	low, err := m.CreateGoal(ctx, models.Goal{Name: "low", Priority: 5})
	require.NoError(t, err)
	high, err := m.CreateGoal(ctx, models.Goal{Name: "high", Priority: 1})
	require.NoError(t, err)
	mid, err := m.CreateGoal(ctx, models.Goal{Name: "mid", Priority: 3})
	require.NoError(t, err)

	goals, err := m.ListGoals(ctx)
	require.NoError(t, err)
	require.Len(t, goals, 3)
	assert.Equal(t, high.ID, goals[0].ID)
	assert.Equal(t, mid.ID, goals[1].ID)
	assert.Equal(t, low.ID, goals[2].ID)
}

func TestCompleteAndReopenGoal(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	goal, err := m.CreateGoal(ctx, models.Goal{Name: "task"})
	require.NoError(t, err)

	done, err := m.SetGoalCompleted(ctx, goal.ID, true)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	require.NotNil(t, done.CompletedAt)

	reopened, err := m.SetGoalCompleted(ctx, goal.ID, false)
	require.NoError(t, err)
	assert.False(t, reopened.Completed)
	assert.Nil(t, reopened.CompletedAt)
}

func TestUpdateGoalPatch(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	goal, err := m.CreateGoal(ctx, models.Goal{Name: "original", Priority: 2})
	require.NoError(t, err)

	name := "renamed"
	priority := 1
	updated, err := m.UpdateGoal(ctx, goal.ID, GoalPatch{Name: &name, Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 1, updated.Priority)

	_, err = m.UpdateGoal(ctx, "missing", GoalPatch{Name: &name})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListTodosOrdering(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.CreateTodo(ctx, models.Todo{Goal: models.Goal{Name: "beta", Priority: 2}})
	require.NoError(t, err)
	_, err = m.CreateTodo(ctx, models.Todo{Goal: models.Goal{Name: "alpha", Priority: 2}})
	require.NoError(t, err)
	urgent, err := m.CreateTodo(ctx, models.Todo{Goal: models.Goal{Name: "zulu", Priority: 5}, Urgent: true})
	require.NoError(t, err)

	todos, err := m.ListTodos(ctx)
	require.NoError(t, err)
	require.Len(t, todos, 3)
	assert.Equal(t, urgent.ID, todos[0].ID, "urgent first regardless of priority")
	assert.Equal(t, "alpha", todos[1].Name, "then priority asc, name asc")
	assert.Equal(t, "beta", todos[2].Name)
}

func TestCreateTodoRequiresExistingParent(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.CreateTodo(ctx, models.Todo{
		Goal:         models.Goal{Name: "child"},
		ParentGoalID: "missing-goal",
	})
	assert.ErrorIs(t, err, models.ErrNotFound)

	parent, err := m.CreateGoal(ctx, models.Goal{Name: "parent"})
	require.NoError(t, err)

	todo, err := m.CreateTodo(ctx, models.Todo{
		Goal:         models.Goal{Name: "child"},
		ParentGoalID: parent.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, todo.ParentGoalID)
}
