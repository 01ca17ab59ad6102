package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/rndrntwrk/milaidy/pkg/memory"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// retrieveMemoryHandler handles GET /api/v1/memory with query, kind,
// min_tier, include_quarantined, and limit parameters.
func (s *Server) retrieveMemoryHandler(c *echo.Context) error {
	opts := memory.RetrieveOptions{Kind: c.QueryParam("kind")}

	if v := c.QueryParam("min_tier"); v != "" {
		tier := models.TrustTier(v)
		if !tier.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid min_tier")
		}
		opts.MinTier = tier
	}
	if v := c.QueryParam("include_quarantined"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid include_quarantined")
		}
		opts.IncludeQuarantined = include
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	entries, err := s.kernel.Memory().Retrieve(c.Request().Context(), c.QueryParam("query"), opts)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, &MemoryListResponse{Entries: entries})
}

// quarantineListHandler handles GET /api/v1/memory/quarantine.
func (s *Server) quarantineListHandler(c *echo.Context) error {
	entries, err := s.kernel.Memory().QuarantineList(c.Request().Context())
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, &MemoryListResponse{Entries: entries})
}

// rehabilitateHandler handles POST /api/v1/memory/:id/rehabilitate.
func (s *Server) rehabilitateHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "memory id is required")
	}
	entry, err := s.kernel.Memory().Rehabilitate(c.Request().Context(), id)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, entry)
}
