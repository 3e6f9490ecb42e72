package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/service"
)

// MemberHandler handles member endpoints.
type MemberHandler struct {
	service *service.MemberService
}

// NewMemberHandler creates a MemberHandler.
func NewMemberHandler(svc *service.MemberService) *MemberHandler {
	return &MemberHandler{service: svc}
}

// ListMembers handles GET /api/v1/servers/:id/members.
func (h *MemberHandler) ListMembers(c echo.Context) error {
	userID := auth.GetUserID(c)

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	filter := bulk.Filter{Query: c.QueryParam("q"), Role: c.QueryParam("role")}

	page, err := h.service.ListMembers(c.Request().Context(), c.Param("id"), userID, filter, limit, offset)
	if err != nil {
		return mapServiceError(c, err)
	}

	return successJSON(c, http.StatusOK, page)
}

// GetPermissions handles GET /api/v1/servers/:id/members/:member_id/permissions.
func (h *MemberHandler) GetPermissions(c echo.Context) error {
	perms, err := h.service.GetMemberPermissions(c.Request().Context(), c.Param("id"), auth.GetUserID(c), c.Param("member_id"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, perms)
}

type previewChangesRequest struct {
	Changes []models.RoleChange `json:"changes"`
}

// PreviewPermissions handles POST /api/v1/servers/:id/members/:member_id/permissions/preview.
func (h *MemberHandler) PreviewPermissions(c echo.Context) error {
	var req previewChangesRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	preview, err := h.service.PreviewMemberChanges(c.Request().Context(), c.Param("id"), auth.GetUserID(c), c.Param("member_id"), req.Changes)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, preview)
}
