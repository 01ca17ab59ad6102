package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// mapKernelError maps kernel error kinds to HTTP error responses.
func mapKernelError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrDuplicateTool):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrUnknownTool):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrSafeModeActive):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, models.ErrPersistenceUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, models.ErrConfigInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var schemaErr *models.SchemaViolationError
	if errors.As(err, &schemaErr) {
		return echo.NewHTTPError(http.StatusBadRequest, schemaErr.Error())
	}
	var transitionErr *models.IllegalTransitionError
	if errors.As(err, &transitionErr) {
		return echo.NewHTTPError(http.StatusConflict, transitionErr.Error())
	}

	// Unexpected error
	slog.Error("Unexpected kernel error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
