package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/rndrntwrk/milaidy/pkg/version"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
		Checks:  map[string]HealthCheck{},
	}

	if s.health != nil {
		reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := s.health.Health(reqCtx); err != nil {
			resp.Status = "unhealthy"
			resp.Checks["database"] = HealthCheck{Status: "unhealthy", Message: err.Error()}
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp.Checks["database"] = HealthCheck{Status: "healthy"}
	}

	resp.Checks["kernel"] = HealthCheck{Status: string(s.kernel.Status().State)}
	return c.JSON(http.StatusOK, resp)
}

// statusHandler handles GET /api/v1/status.
func (s *Server) statusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.kernel.Status())
}

// startHandler handles POST /api/v1/lifecycle/start.
func (s *Server) startHandler(c *echo.Context) error {
	if err := s.kernel.Start(c.Request().Context()); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, s.kernel.Status())
}

// stopHandler handles POST /api/v1/lifecycle/stop.
func (s *Server) stopHandler(c *echo.Context) error {
	s.kernel.Stop(c.Request().Context())
	return c.JSON(http.StatusOK, s.kernel.Status())
}

// pauseHandler handles POST /api/v1/lifecycle/pause.
func (s *Server) pauseHandler(c *echo.Context) error {
	s.kernel.Pause()
	return c.JSON(http.StatusOK, s.kernel.Status())
}

// resumeHandler handles POST /api/v1/lifecycle/resume.
func (s *Server) resumeHandler(c *echo.Context) error {
	s.kernel.Resume()
	return c.JSON(http.StatusOK, s.kernel.Status())
}

// restartHandler handles POST /api/v1/lifecycle/restart.
func (s *Server) restartHandler(c *echo.Context) error {
	if err := s.kernel.Restart(c.Request().Context()); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, s.kernel.Status())
}

// resetHandler handles POST /api/v1/lifecycle/reset.
func (s *Server) resetHandler(c *echo.Context) error {
	if err := s.kernel.Reset(c.Request().Context()); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, s.kernel.Status())
}

// listToolsHandler handles GET /api/v1/tools.
func (s *Server) listToolsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.kernel.Tools().List())
}
