package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getIdentityHandler handles GET /api/v1/identity.
func (s *Server) getIdentityHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.kernel.Identity().Current())
}

// updateIdentityHandler handles PATCH /api/v1/identity. The update
// increments the version, recomputes the hash, and rebases the drift
// monitor on the new descriptor.
func (s *Server) updateIdentityHandler(c *echo.Context) error {
	var patch UpdateIdentityRequest
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	descriptor, err := s.kernel.UpdateIdentity(c.Request().Context(), patch)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, descriptor)
}
