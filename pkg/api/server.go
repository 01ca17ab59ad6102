// Package api provides the kernel's HTTP control surface and the WebSocket
// event stream.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/kernel"
)

// HealthChecker reports backing-store health. Nil means no persistent store
// is attached and the check is skipped.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	echo        *echo.Echo
	httpServer  *http.Server
	kernel      *kernel.Kernel
	connManager *events.ConnectionManager
	health      HealthChecker // nil if no persistent store
}

// NewServer creates a new API server over the kernel handle.
func NewServer(k *kernel.Kernel, connManager *events.ConnectionManager) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		kernel:      k,
		connManager: connManager,
	}

	s.setupRoutes()
	return s
}

// SetHealthChecker attaches a persistent-store health check to /health.
func (s *Server) SetHealthChecker(hc HealthChecker) {
	s.health = hc
}

func (s *Server) setupRoutes() {
	// Reject oversized payloads at the HTTP read level before
	// deserialization.
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1")

	// Kernel status and lifecycle.
	v1.GET("/status", s.statusHandler)
	v1.POST("/lifecycle/start", s.startHandler)
	v1.POST("/lifecycle/stop", s.stopHandler)
	v1.POST("/lifecycle/pause", s.pauseHandler)
	v1.POST("/lifecycle/resume", s.resumeHandler)
	v1.POST("/lifecycle/restart", s.restartHandler)
	v1.POST("/lifecycle/reset", s.resetHandler)

	// Plans and episodes.
	v1.POST("/plans", s.submitPlanHandler)
	v1.GET("/episodes/:id", s.getEpisodeHandler)
	v1.POST("/episodes/:id/cancel", s.cancelEpisodeHandler)

	// Approvals.
	v1.GET("/approvals", s.listApprovalsHandler)
	v1.POST("/approvals/:call_id/approve", s.approveHandler)
	v1.POST("/approvals/:call_id/deny", s.denyHandler)
	v1.POST("/approvals/:call_id/cancel", s.cancelApprovalHandler)

	// Goals and todos.
	v1.GET("/goals", s.listGoalsHandler)
	v1.POST("/goals", s.createGoalHandler)
	v1.GET("/goals/:id", s.getGoalHandler)
	v1.PATCH("/goals/:id", s.updateGoalHandler)
	v1.DELETE("/goals/:id", s.deleteGoalHandler)
	v1.POST("/goals/:id/complete", s.completeGoalHandler)
	v1.GET("/todos", s.listTodosHandler)
	v1.POST("/todos", s.createTodoHandler)
	v1.GET("/todos/:id", s.getTodoHandler)
	v1.PATCH("/todos/:id", s.updateTodoHandler)
	v1.DELETE("/todos/:id", s.deleteTodoHandler)
	v1.POST("/todos/:id/complete", s.completeTodoHandler)

	// Memory.
	v1.GET("/memory", s.retrieveMemoryHandler)
	v1.GET("/memory/quarantine", s.quarantineListHandler)
	v1.POST("/memory/:id/rehabilitate", s.rehabilitateHandler)

	// Identity.
	v1.GET("/identity", s.getIdentityHandler)
	v1.PATCH("/identity", s.updateIdentityHandler)

	// Tools (contract listing for the dashboard).
	v1.GET("/tools", s.listToolsHandler)

	// Invariants and safe mode.
	v1.POST("/invariants/check", s.checkInvariantsHandler)
	v1.GET("/safe-mode", s.safeModeStatusHandler)
	v1.POST("/safe-mode/enter", s.enterSafeModeHandler)
	v1.POST("/safe-mode/exit", s.exitSafeModeHandler)

	// Event history and real-time stream.
	v1.GET("/events", s.listEventsHandler)
	v1.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
