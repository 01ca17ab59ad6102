package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/rndrntwrk/milaidy/pkg/invariant"
)

// checkInvariantsHandler handles POST /api/v1/invariants/check.
func (s *Server) checkInvariantsHandler(c *echo.Context) error {
	violations := s.kernel.CheckInvariants(c.Request().Context())
	if violations == nil {
		violations = []invariant.Violation{}
	}
	return c.JSON(http.StatusOK, &InvariantsResponse{Violations: violations})
}

// safeModeStatusHandler handles GET /api/v1/safe-mode.
func (s *Server) safeModeStatusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.kernel.SafeMode().Status())
}

// enterSafeModeHandler handles POST /api/v1/safe-mode/enter.
func (s *Server) enterSafeModeHandler(c *echo.Context) error {
	var req SafeModeEnterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	s.kernel.SafeMode().Enter(c.Request().Context(), req.Reason)
	return c.JSON(http.StatusOK, s.kernel.SafeMode().Status())
}

// exitSafeModeHandler handles POST /api/v1/safe-mode/exit.
func (s *Server) exitSafeModeHandler(c *echo.Context) error {
	var req SafeModeExitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor := req.Actor
	if actor == "" {
		actor = "operator"
	}
	if err := s.kernel.SafeMode().Exit(c.Request().Context(), actor); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, s.kernel.SafeMode().Status())
}
