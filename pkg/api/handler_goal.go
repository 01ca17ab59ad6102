package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// listGoalsHandler handles GET /api/v1/goals.
func (s *Server) listGoalsHandler(c *echo.Context) error {
	goals, err := s.kernel.Goals().ListGoals(c.Request().Context())
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, goals)
}

// createGoalHandler handles POST /api/v1/goals.
func (s *Server) createGoalHandler(c *echo.Context) error {
	var req CreateGoalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal name is required")
	}

	goal, err := s.kernel.Goals().CreateGoal(c.Request().Context(), models.Goal{
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusCreated, goal)
}

// getGoalHandler handles GET /api/v1/goals/:id.
func (s *Server) getGoalHandler(c *echo.Context) error {
	goal, err := s.kernel.Goals().GetGoal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, goal)
}

// updateGoalHandler handles PATCH /api/v1/goals/:id.
func (s *Server) updateGoalHandler(c *echo.Context) error {
	var patch UpdateGoalRequest
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	goal, err := s.kernel.Goals().UpdateGoal(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, goal)
}

// deleteGoalHandler handles DELETE /api/v1/goals/:id.
func (s *Server) deleteGoalHandler(c *echo.Context) error {
	if err := s.kernel.Goals().DeleteGoal(c.Request().Context(), c.Param("id")); err != nil {
		return mapKernelError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// completeGoalHandler handles POST /api/v1/goals/:id/complete.
func (s *Server) completeGoalHandler(c *echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	completed := req.Completed == nil || *req.Completed

	goal, err := s.kernel.Goals().SetGoalCompleted(c.Request().Context(), c.Param("id"), completed)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, goal)
}

// listTodosHandler handles GET /api/v1/todos.
func (s *Server) listTodosHandler(c *echo.Context) error {
	todos, err := s.kernel.Goals().ListTodos(c.Request().Context())
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, todos)
}

// createTodoHandler handles POST /api/v1/todos.
func (s *Server) createTodoHandler(c *echo.Context) error {
	var req CreateTodoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "todo name is required")
	}

	todo, err := s.kernel.Goals().CreateTodo(c.Request().Context(), models.Todo{
		Goal: models.Goal{
			Name:        req.Name,
			Description: req.Description,
			Tags:        req.Tags,
			Priority:    req.Priority,
			Metadata:    req.Metadata,
		},
		Urgent:       req.Urgent,
		ParentGoalID: req.ParentGoalID,
	})
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusCreated, todo)
}

// getTodoHandler handles GET /api/v1/todos/:id.
func (s *Server) getTodoHandler(c *echo.Context) error {
	todo, err := s.kernel.Goals().GetTodo(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, todo)
}

// updateTodoHandler handles PATCH /api/v1/todos/:id.
func (s *Server) updateTodoHandler(c *echo.Context) error {
	var patch UpdateTodoRequest
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	todo, err := s.kernel.Goals().UpdateTodo(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, todo)
}

// deleteTodoHandler handles DELETE /api/v1/todos/:id.
func (s *Server) deleteTodoHandler(c *echo.Context) error {
	if err := s.kernel.Goals().DeleteTodo(c.Request().Context(), c.Param("id")); err != nil {
		return mapKernelError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// completeTodoHandler handles POST /api/v1/todos/:id/complete.
func (s *Server) completeTodoHandler(c *echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	completed := req.Completed == nil || *req.Completed

	todo, err := s.kernel.Goals().SetTodoCompleted(c.Request().Context(), c.Param("id"), completed)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, todo)
}
