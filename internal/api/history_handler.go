package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/service"
)

// HistoryHandler handles the role change history endpoints.
type HistoryHandler struct {
	service *service.HistoryService
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(svc *service.HistoryService) *HistoryHandler {
	return &HistoryHandler{service: svc}
}

// ListRecent handles GET /api/v1/servers/:id/role-history.
func (h *HistoryHandler) ListRecent(c echo.Context) error {
	entries, err := h.service.RecentRoleUpdates(c.Request().Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return successJSON(c, http.StatusOK, entries)
}

// Undo handles POST /api/v1/servers/:id/role-history/:entry_id/undo.
func (h *HistoryHandler) Undo(c echo.Context) error {
	applied, err := h.service.Undo(c.Request().Context(), c.Param("id"), auth.GetUserID(c), c.Param("entry_id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return successJSON(c, http.StatusOK, applied)
}
