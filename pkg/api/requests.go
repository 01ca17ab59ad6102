package api

import (
	"github.com/rndrntwrk/milaidy/pkg/goals"
	"github.com/rndrntwrk/milaidy/pkg/identity"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// SubmitPlanRequest is the HTTP request body for POST /api/v1/plans.
type SubmitPlanRequest struct {
	Source string            `json:"source,omitempty"`
	Steps  []models.PlanStep `json:"steps"`
}

// DenyRequest is the body for POST /api/v1/approvals/:call_id/deny.
type DenyRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason"`
}

// ApproveRequest is the body for POST /api/v1/approvals/:call_id/approve.
type ApproveRequest struct {
	Actor string `json:"actor,omitempty"`
}

// CreateGoalRequest is the body for POST /api/v1/goals.
type CreateGoalRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CreateTodoRequest is the body for POST /api/v1/todos.
type CreateTodoRequest struct {
	CreateGoalRequest
	Urgent       bool   `json:"urgent,omitempty"`
	ParentGoalID string `json:"parent_goal_id,omitempty"`
}

// CompleteRequest toggles goal/todo completion.
type CompleteRequest struct {
	Completed *bool `json:"completed,omitempty"` // nil means true
}

// UpdateGoalRequest is the body for PATCH /api/v1/goals/:id.
type UpdateGoalRequest = goals.GoalPatch

// UpdateTodoRequest is the body for PATCH /api/v1/todos/:id.
type UpdateTodoRequest = goals.TodoPatch

// UpdateIdentityRequest is the body for PATCH /api/v1/identity.
type UpdateIdentityRequest = identity.Patch

// SafeModeEnterRequest is the body for POST /api/v1/safe-mode/enter.
type SafeModeEnterRequest struct {
	Reason string `json:"reason"`
}

// SafeModeExitRequest is the body for POST /api/v1/safe-mode/exit.
type SafeModeExitRequest struct {
	Actor string `json:"actor,omitempty"`
}
