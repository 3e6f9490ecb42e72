package api

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/gateway"
	"github.com/victorivanov/haos/internal/permissions"
	"github.com/victorivanov/haos/internal/service"
)

// Dependencies holds all handler instances and middleware for route wiring.
type Dependencies struct {
	Health  *HealthHandler
	Roles   *RoleHandler
	Members *MemberHandler
	Bulk    *BulkHandler
	History *HistoryHandler
	Gateway *gateway.Manager

	Permissions  *service.PermissionChecker
	TokenService *auth.TokenService
	RateLimiter  RateLimiter
}

// SetupRouter registers all API routes on the Echo instance.
func SetupRouter(e *echo.Echo, deps *Dependencies) {
	e.GET("/health", deps.Health.Check)

	// WebSocket gateway
	e.GET("/gateway", deps.Gateway.HandleWebSocket)

	v1 := e.Group("/api/v1")

	// Protected routes: JWT auth + general rate limit
	protected := v1.Group("", deps.TokenService.Middleware(),
		RateLimitMiddleware(deps.RateLimiter, 120, time.Minute),
	)

	// Roles
	protected.GET("/servers/:id/roles", deps.Roles.ListRoles)
	protected.POST("/servers/:id/roles", deps.Roles.CreateRole)
	protected.PUT("/servers/:id/roles/order", deps.Roles.ReorderRoles)
	protected.PATCH("/servers/:id/roles/:role_id", deps.Roles.UpdateRole)
	protected.DELETE("/servers/:id/roles/:role_id", deps.Roles.DeleteRole)

	// Members
	protected.GET("/servers/:id/members", deps.Members.ListMembers)
	protected.GET("/servers/:id/members/:member_id/permissions", deps.Members.GetPermissions)
	protected.POST("/servers/:id/members/:member_id/permissions/preview", deps.Members.PreviewPermissions)

	// Bulk role assignment
	bulkGroup := protected.Group("/servers/:id/bulk-sessions",
		RequireServerPermission(permissions.PermManageRoles, deps.Permissions),
	)
	bulkGroup.POST("", deps.Bulk.CreateSession)
	bulkGroup.GET("/:session_id", deps.Bulk.GetSession)
	bulkGroup.DELETE("/:session_id", deps.Bulk.CloseSession)
	bulkGroup.POST("/:session_id/members/:member_id", deps.Bulk.ToggleMember)
	bulkGroup.POST("/:session_id/select-all", deps.Bulk.SelectAll)
	bulkGroup.POST("/:session_id/changes", deps.Bulk.AddChange)
	bulkGroup.DELETE("/:session_id/changes/:index", deps.Bulk.RemoveChange)
	bulkGroup.POST("/:session_id/preview", deps.Bulk.Preview)
	bulkGroup.POST("/:session_id/back", deps.Bulk.Back)
	bulkGroup.POST("/:session_id/cancel", deps.Bulk.Cancel)

	// Commits are rate limited separately from session edits.
	bulkGroup.POST("/:session_id/confirm", deps.Bulk.Confirm,
		RateLimitMiddleware(deps.RateLimiter, 10, time.Minute),
	)

	// Role change history
	historyGroup := protected.Group("/servers/:id/role-history",
		RequireServerPermission(permissions.PermViewAuditLog, deps.Permissions),
	)
	historyGroup.GET("", deps.History.ListRecent)
	historyGroup.POST("/:entry_id/undo", deps.History.Undo,
		RequireServerPermission(permissions.PermManageRoles, deps.Permissions),
	)
}
