package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/permissions"
	"github.com/victorivanov/haos/internal/service"
)

// RequireServerPermission returns middleware that checks server-level permissions.
// It expects the route to have a ":id" param for the server ID. Owners and
// administrators always pass.
func RequireServerPermission(perm permissions.Permission, checker *service.PermissionChecker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			serverID := c.Param("id")
			if serverID == "" {
				return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server id")
			}

			if _, err := checker.RequireServerPermission(c.Request().Context(), serverID, auth.GetUserID(c), perm); err != nil {
				return mapServiceError(c, err)
			}
			return next(c)
		}
	}
}
