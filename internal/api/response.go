package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/service"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error sends a JSON error response.
func Error(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// errorJSON is an alias for Error (used by some handlers).
var errorJSON = Error

// successJSON sends a JSON success response with a data envelope.
func successJSON(c echo.Context, status int, data any) error {
	return c.JSON(status, map[string]any{"data": data})
}

var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{service.ErrNotFound, http.StatusNotFound},
	{service.ErrForbidden, http.StatusForbidden},
	{service.ErrRoleHierarchy, http.StatusForbidden},
	{service.ErrConflict, http.StatusConflict},
	{service.ErrBadRequest, http.StatusBadRequest},
	{service.ErrUnauthorized, http.StatusUnauthorized},
	{service.ErrGone, http.StatusGone},
	{service.ErrLocked, http.StatusLocked},
	{service.ErrInternal, http.StatusInternalServerError},
}

// mapServiceError writes the error envelope for a service error. Anything
// that is not a ServiceError is logged and reported as a 500.
func mapServiceError(c echo.Context, err error) error {
	var se *service.ServiceError
	if !errors.As(err, &se) {
		slog.Error("unhandled error", "path", c.Path(), "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
	return errorJSON(c, statusFor(se), se.Code, se.Message)
}

// statusFor returns the HTTP status for a service error's sentinel.
func statusFor(se *service.ServiceError) int {
	for _, m := range statusBySentinel {
		if errors.Is(se, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
