package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/service"
)

// BulkHandler handles bulk role assignment sessions.
type BulkHandler struct {
	service *service.BulkService
}

// NewBulkHandler creates a BulkHandler.
func NewBulkHandler(svc *service.BulkService) *BulkHandler {
	return &BulkHandler{service: svc}
}

type createSessionRequest struct {
	Preselected []string `json:"preselected"`
}

// CreateSession handles POST /api/v1/servers/:id/bulk-sessions.
func (h *BulkHandler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	view, err := h.service.CreateSession(c.Request().Context(), c.Param("id"), auth.GetUserID(c), req.Preselected)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, view)
}

// GetSession handles GET /api/v1/servers/:id/bulk-sessions/:session_id.
func (h *BulkHandler) GetSession(c echo.Context) error {
	view, err := h.service.GetSession(c.Request().Context(), c.Param("id"), auth.GetUserID(c), c.Param("session_id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// ToggleMember handles POST /api/v1/servers/:id/bulk-sessions/:session_id/members/:member_id.
func (h *BulkHandler) ToggleMember(c echo.Context) error {
	return h.respond(c, func(ctx context.Context, serverID, actorID, sessionID string) (*service.SessionView, error) {
		return h.service.ToggleMember(ctx, serverID, actorID, sessionID, c.Param("member_id"))
	})
}

// SelectAll handles POST /api/v1/servers/:id/bulk-sessions/:session_id/select-all.
func (h *BulkHandler) SelectAll(c echo.Context) error {
	var filter bulk.Filter
	if err := c.Bind(&filter); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	return h.respond(c, func(ctx context.Context, serverID, actorID, sessionID string) (*service.SessionView, error) {
		return h.service.SelectAll(ctx, serverID, actorID, sessionID, filter)
	})
}

// AddChange handles POST /api/v1/servers/:id/bulk-sessions/:session_id/changes.
func (h *BulkHandler) AddChange(c echo.Context) error {
	var change models.RoleChange
	if err := c.Bind(&change); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	if change.RoleID == "" {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "role_id is required")
	}
	return h.respond(c, func(ctx context.Context, serverID, actorID, sessionID string) (*service.SessionView, error) {
		return h.service.AddChange(ctx, serverID, actorID, sessionID, change)
	})
}

// RemoveChange handles DELETE /api/v1/servers/:id/bulk-sessions/:session_id/changes/:index.
func (h *BulkHandler) RemoveChange(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_INDEX", "invalid change index")
	}
	return h.respond(c, func(ctx context.Context, serverID, actorID, sessionID string) (*service.SessionView, error) {
		return h.service.RemoveChange(ctx, serverID, actorID, sessionID, index)
	})
}

// Preview handles POST /api/v1/servers/:id/bulk-sessions/:session_id/preview.
func (h *BulkHandler) Preview(c echo.Context) error {
	return h.respond(c, h.service.Preview)
}

// Back handles POST /api/v1/servers/:id/bulk-sessions/:session_id/back.
func (h *BulkHandler) Back(c echo.Context) error {
	return h.respond(c, h.service.Back)
}

// Confirm handles POST /api/v1/servers/:id/bulk-sessions/:session_id/confirm.
// A failed commit answers with the error envelope plus the session, which
// stays in previewing.
func (h *BulkHandler) Confirm(c echo.Context) error {
	view, err := h.service.Confirm(c.Request().Context(), c.Param("id"), auth.GetUserID(c), c.Param("session_id"))
	if err != nil {
		var se *service.ServiceError
		if view != nil && errors.As(err, &se) && !errors.Is(err, service.ErrNotFound) {
			return c.JSON(statusFor(se), confirmFailure{
				Error:   ErrorDetail{Code: se.Code, Message: se.Message},
				Session: view,
			})
		}
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type confirmFailure struct {
	Error   ErrorDetail          `json:"error"`
	Session *service.SessionView `json:"session"`
}

// Cancel handles POST /api/v1/servers/:id/bulk-sessions/:session_id/cancel.
func (h *BulkHandler) Cancel(c echo.Context) error {
	return h.respond(c, h.service.Cancel)
}

// CloseSession handles DELETE /api/v1/servers/:id/bulk-sessions/:session_id.
func (h *BulkHandler) CloseSession(c echo.Context) error {
	if err := h.service.CloseSession(c.Request().Context(), c.Param("id"), auth.GetUserID(c), c.Param("session_id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type sessionFunc func(ctx context.Context, serverID, actorID, sessionID string) (*service.SessionView, error)

func (h *BulkHandler) respond(c echo.Context, fn sessionFunc) error {
	view, err := fn(c.Request().Context(), c.Param("id"), auth.GetUserID(c), c.Param("session_id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}
