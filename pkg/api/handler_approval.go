package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listApprovalsHandler handles GET /api/v1/approvals.
func (s *Server) listApprovalsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.kernel.Approvals().List())
}

// approveHandler handles POST /api/v1/approvals/:call_id/approve.
func (s *Server) approveHandler(c *echo.Context) error {
	callID := c.Param("call_id")
	if callID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "call id is required")
	}

	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor := req.Actor
	if actor == "" {
		actor = "operator"
	}

	if err := s.kernel.Approvals().Approve(c.Request().Context(), callID, actor); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, &MessageResponse{Message: "approved"})
}

// denyHandler handles POST /api/v1/approvals/:call_id/deny.
func (s *Server) denyHandler(c *echo.Context) error {
	callID := c.Param("call_id")
	if callID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "call id is required")
	}

	var req DenyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor := req.Actor
	if actor == "" {
		actor = "operator"
	}

	if err := s.kernel.Approvals().Deny(c.Request().Context(), callID, actor, req.Reason); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, &MessageResponse{Message: "denied"})
}

// cancelApprovalHandler handles POST /api/v1/approvals/:call_id/cancel.
func (s *Server) cancelApprovalHandler(c *echo.Context) error {
	callID := c.Param("call_id")
	if callID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "call id is required")
	}
	if err := s.kernel.Approvals().Cancel(c.Request().Context(), callID); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, &MessageResponse{Message: "cancelled"})
}
