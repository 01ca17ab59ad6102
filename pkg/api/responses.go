package api

import (
	"github.com/rndrntwrk/milaidy/pkg/invariant"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// SubmitPlanResponse is returned by POST /api/v1/plans.
type SubmitPlanResponse struct {
	EpisodeID string `json:"episode_id"`
}

// CancelResponse is returned by POST /api/v1/episodes/:id/cancel.
type CancelResponse struct {
	EpisodeID string `json:"episode_id"`
	Cancelled bool   `json:"cancelled"`
}

// EventsResponse is returned by GET /api/v1/events.
type EventsResponse struct {
	Events []models.Event `json:"events"`
}

// InvariantsResponse is returned by POST /api/v1/invariants/check.
type InvariantsResponse struct {
	Violations []invariant.Violation `json:"violations"`
}

// MemoryListResponse wraps memory retrieval results.
type MemoryListResponse struct {
	Entries []*models.MemoryEntry `json:"entries"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}

// HealthCheck represents the status of a single health check component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// MessageResponse is a generic acknowledgement body.
type MessageResponse struct {
	Message string `json:"message"`
}
