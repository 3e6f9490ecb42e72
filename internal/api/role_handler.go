package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/service"
)

// RoleHandler handles role endpoints.
type RoleHandler struct {
	service *service.RoleService
}

// NewRoleHandler creates a RoleHandler.
func NewRoleHandler(svc *service.RoleService) *RoleHandler {
	return &RoleHandler{service: svc}
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Permissions *int64 `json:"permissions,string,omitempty"`
	Position    int    `json:"position"`
}

// CreateRole handles POST /api/v1/servers/:id/roles.
func (h *RoleHandler) CreateRole(c echo.Context) error {
	var req createRoleRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	actorID := auth.GetUserID(c)

	role, err := h.service.CreateRole(c.Request().Context(), c.Param("id"), actorID, req.Name, req.Color, req.Permissions, req.Position)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, role)
}

// ListRoles handles GET /api/v1/servers/:id/roles.
func (h *RoleHandler) ListRoles(c echo.Context) error {
	roles, err := h.service.ListRoles(c.Request().Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, roles)
}

type updateRoleRequest struct {
	Name        *string `json:"name,omitempty"`
	Color       *string `json:"color,omitempty"`
	Permissions *int64  `json:"permissions,string,omitempty"`
	Position    *int    `json:"position,omitempty"`
	Mentionable *bool   `json:"mentionable,omitempty"`
	Hoist       *bool   `json:"hoist,omitempty"`
}

// UpdateRole handles PATCH /api/v1/servers/:id/roles/:role_id.
func (h *RoleHandler) UpdateRole(c echo.Context) error {
	var req updateRoleRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	actorID := auth.GetUserID(c)

	role, err := h.service.UpdateRole(c.Request().Context(), c.Param("id"), actorID, c.Param("role_id"), service.RoleUpdate{
		Name:        req.Name,
		Color:       req.Color,
		Permissions: req.Permissions,
		Position:    req.Position,
		Mentionable: req.Mentionable,
		Hoist:       req.Hoist,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, role)
}

// DeleteRole handles DELETE /api/v1/servers/:id/roles/:role_id.
func (h *RoleHandler) DeleteRole(c echo.Context) error {
	actorID := auth.GetUserID(c)

	if err := h.service.DeleteRole(c.Request().Context(), c.Param("id"), actorID, c.Param("role_id")); err != nil {
		return mapServiceError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

type rolePosition struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

type reorderRolesRequest struct {
	Roles []rolePosition `json:"roles"`
}

// ReorderRoles handles PUT /api/v1/servers/:id/roles/order.
func (h *RoleHandler) ReorderRoles(c echo.Context) error {
	var req reorderRolesRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	positions := make(map[string]int, len(req.Roles))
	for _, p := range req.Roles {
		if _, dup := positions[p.ID]; dup {
			return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "duplicate role id "+p.ID)
		}
		positions[p.ID] = p.Position
	}

	roles, err := h.service.ReorderRoles(c.Request().Context(), c.Param("id"), auth.GetUserID(c), positions)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, roles)
}
