// Package api contains the HTTP handlers for the pipeline, council,
// notification and prompt surfaces.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Error(msg string, args ...any)
}

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the unauthenticated HTTP handlers
type Handler struct {
	db Pinger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(db Pinger) *Handler {
	return &Handler{db: db}
}

// HandleHealth reports service health. Storage failures degrade the status
// but still answer 200 so the endpoint works as a liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := models.HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "sopforge",
		Version:   Version,
		Checks:    map[string]string{"database": "ok"},
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Checks["database"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// problemFor maps an error onto an RFC 7807 status and title.
func problemFor(err error) (int, string, string) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		detail, ok := httpErr.Message.(string)
		if !ok {
			detail = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, http.StatusText(httpErr.Code), detail
	}

	var vErr *errors.ValidationError
	switch {
	case errors.Is(err, errors.ErrNoSession):
		return http.StatusUnauthorized, "Unauthorized", err.Error()
	case errors.Is(err, errors.ErrPermissionDenied):
		return http.StatusForbidden, "Forbidden", err.Error()
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "Not Found", err.Error()
	case errors.Is(err, errors.ErrActiveRunExists):
		return http.StatusConflict, "Active Run Exists", err.Error()
	case errors.Is(err, errors.ErrInvalidTransition), errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, "Invalid Transition", err.Error()
	case errors.As(err, &vErr):
		return http.StatusBadRequest, "Bad Request", vErr.Error()
	default:
		return http.StatusInternalServerError, "Internal Server Error", "internal error"
	}
}

// ErrorHandler renders handler errors as RFC 7807 problem details.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, title, detail := problemFor(err)
		if status >= http.StatusInternalServerError && logger != nil {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}
		problem := models.ProblemDetails{
			Type:     "about:blank",
			Title:    title,
			Status:   status,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		c.Response().WriteHeader(status)
		if c.Request().Method != http.MethodHead {
			_ = json.NewEncoder(c.Response()).Encode(problem)
		}
	}
}
