package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// submitPlanHandler handles POST /api/v1/plans.
func (s *Server) submitPlanHandler(c *echo.Context) error {
	var req SubmitPlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Steps) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "plan requires at least one step")
	}
	for _, step := range req.Steps {
		if step.ToolID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "every step requires a tool_id")
		}
		if !step.RollbackPolicy.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid rollback_policy")
		}
	}

	episodeID, err := s.kernel.SubmitPlan(req.Steps, req.Source)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusAccepted, &SubmitPlanResponse{EpisodeID: episodeID})
}

// getEpisodeHandler handles GET /api/v1/episodes/:id.
func (s *Server) getEpisodeHandler(c *echo.Context) error {
	episodeID := c.Param("id")
	if episodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "episode id is required")
	}

	episode, evts, err := s.kernel.GetEpisode(c.Request().Context(), episodeID)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"episode": episode,
		"events":  evts,
	})
}

// cancelEpisodeHandler handles POST /api/v1/episodes/:id/cancel.
func (s *Server) cancelEpisodeHandler(c *echo.Context) error {
	episodeID := c.Param("id")
	if episodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "episode id is required")
	}
	cancelled := s.kernel.CancelEpisode(episodeID)
	return c.JSON(http.StatusOK, &CancelResponse{EpisodeID: episodeID, Cancelled: cancelled})
}

// listEventsHandler handles GET /api/v1/events with from_seq, kind,
// episode_id, and limit query parameters.
func (s *Server) listEventsHandler(c *echo.Context) error {
	q := events.Query{Limit: 100}
	if v := c.QueryParam("from_seq"); v != "" {
		if seq, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.FromSeq = seq
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			q.Limit = n
		}
	}
	if v := c.QueryParam("episode_id"); v != "" {
		q.EpisodeID = v
	}
	if v := c.QueryParam("kind"); v != "" {
		q.Kinds = []models.EventKind{models.EventKind(v)}
	}

	evts, err := s.kernel.Events().Query(c.Request().Context(), q)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, &EventsResponse{Events: evts})
}
