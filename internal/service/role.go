package service

import (
	"context"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/victorivanov/haos/internal/database"
	"github.com/victorivanov/haos/internal/gateway"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// RoleUpdate carries the optional fields of a role edit.
type RoleUpdate struct {
	Name        *string
	Color       *string
	Permissions *int64
	Position    *int
	Mentionable *bool
	Hoist       *bool
}

// RoleService handles role business logic.
type RoleService struct {
	roles   database.RoleRepository
	gateway gateway.Dispatcher
	perms   *PermissionChecker
}

// NewRoleService creates a RoleService.
func NewRoleService(
	roles database.RoleRepository,
	gw gateway.Dispatcher,
	perms *PermissionChecker,
) *RoleService {
	return &RoleService{
		roles:   roles,
		gateway: gw,
		perms:   perms,
	}
}

// CreateRole creates a new role in a server with role hierarchy enforcement.
// A nil permBits gives the role the default member permissions the actor
// holds.
func (s *RoleService) CreateRole(ctx context.Context, serverID, actorID, name, color string, permBits *int64, position int) (*models.Role, error) {
	if err := validateRoleName(name); err != nil {
		return nil, err
	}
	if err := validateColor(color); err != nil {
		return nil, err
	}
	if position < 1 {
		return nil, BadRequest("INVALID_POSITION", "position must be at least 1")
	}

	actor, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}
	if !actor.IsOwner && position >= actor.Highest {
		return nil, RoleHierarchyError("cannot create a role at or above your highest role position")
	}
	bits := defaultRolePermissions(actor)
	if permBits != nil {
		bits = *permBits
	}
	if err := checkGrantable(actor, bits); err != nil {
		return nil, err
	}

	role := &models.Role{
		ID:          uuid.NewString(),
		ServerID:    serverID,
		Name:        name,
		Color:       color,
		Permissions: bits,
		Position:    position,
	}

	if err := s.roles.Create(ctx, role); err != nil {
		return nil, internalError()
	}

	s.gateway.DispatchToServer(serverID, gateway.EventServerRoleCreate, map[string]any{"server_id": serverID, "role": role})
	return role, nil
}

// ListRoles returns all roles of a server. Caller must be a member.
func (s *RoleService) ListRoles(ctx context.Context, serverID, userID string) ([]models.Role, error) {
	if _, err := s.perms.ResolveActor(ctx, serverID, userID); err != nil {
		return nil, err
	}
	roles, err := s.roles.GetByServerID(ctx, serverID)
	if err != nil {
		return nil, internalError()
	}
	if roles == nil {
		roles = []models.Role{}
	}
	return roles, nil
}

// UpdateRole edits a role with hierarchy enforcement. The @everyone role
// keeps position 0.
func (s *RoleService) UpdateRole(ctx context.Context, serverID, actorID, roleID string, upd RoleUpdate) (*models.Role, error) {
	actor, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}
	role, err := s.serverRole(ctx, serverID, roleID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManageRole(*role) {
		return nil, RoleHierarchyError("cannot modify a role at or above your highest role position")
	}

	if upd.Name != nil {
		if err := validateRoleName(*upd.Name); err != nil {
			return nil, err
		}
		role.Name = *upd.Name
	}
	if upd.Color != nil {
		if err := validateColor(*upd.Color); err != nil {
			return nil, err
		}
		role.Color = *upd.Color
	}
	if upd.Permissions != nil {
		if err := checkGrantable(actor, *upd.Permissions); err != nil {
			return nil, err
		}
		role.Permissions = *upd.Permissions
	}
	if upd.Position != nil {
		if role.IsDefault {
			return nil, BadRequest("INVALID_POSITION", "the @everyone role cannot be moved")
		}
		if *upd.Position < 1 {
			return nil, BadRequest("INVALID_POSITION", "position must be at least 1")
		}
		if !actor.IsOwner && *upd.Position >= actor.Highest {
			return nil, RoleHierarchyError("cannot move a role at or above your highest role position")
		}
		role.Position = *upd.Position
	}
	if upd.Mentionable != nil {
		role.Mentionable = *upd.Mentionable
	}
	if upd.Hoist != nil {
		role.Hoist = *upd.Hoist
	}

	if err := s.roles.Update(ctx, role); err != nil {
		return nil, internalError()
	}

	s.gateway.DispatchToServer(serverID, gateway.EventServerRoleUpdate, map[string]any{"server_id": serverID, "role": role})
	return role, nil
}

// DeleteRole deletes a role with hierarchy enforcement. The @everyone role
// and integration-managed roles cannot be deleted.
func (s *RoleService) DeleteRole(ctx context.Context, serverID, actorID, roleID string) error {
	actor, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return err
	}
	role, err := s.serverRole(ctx, serverID, roleID)
	if err != nil {
		return err
	}
	if role.IsDefault {
		return Forbidden("CANNOT_DELETE", "cannot delete the @everyone role")
	}
	if role.Managed {
		return Forbidden("CANNOT_DELETE", "cannot delete a managed role")
	}
	if !actor.CanManageRole(*role) {
		return RoleHierarchyError("cannot delete a role at or above your highest role position")
	}

	if err := s.roles.Delete(ctx, roleID); err != nil {
		return internalError()
	}

	s.gateway.DispatchToServer(serverID, gateway.EventServerRoleDelete, gateway.RoleDeleteData{ServerID: serverID, RoleID: roleID})
	return nil
}

// ReorderRoles moves several roles at once. Every role named must belong to
// the server and sit below the actor both before and after the move.
func (s *RoleService) ReorderRoles(ctx context.Context, serverID, actorID string, positions map[string]int) ([]models.Role, error) {
	if len(positions) == 0 {
		return nil, BadRequest("INVALID_POSITIONS", "at least one role position is required")
	}

	actor, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}

	for id, pos := range positions {
		role, ok := actor.Roles[id]
		if !ok {
			return nil, NotFound("NOT_FOUND", "role not found")
		}
		if role.IsDefault {
			return nil, BadRequest("INVALID_POSITION", "the @everyone role cannot be moved")
		}
		if pos < 1 {
			return nil, BadRequest("INVALID_POSITION", "position must be at least 1")
		}
		if !actor.CanManageRole(role) || (!actor.IsOwner && pos >= actor.Highest) {
			return nil, RoleHierarchyError("cannot move a role at or above your highest role position")
		}
	}

	if err := s.roles.UpdatePositions(ctx, serverID, positions); err != nil {
		return nil, internalError()
	}

	roles, err := s.roles.GetByServerID(ctx, serverID)
	if err != nil {
		return nil, internalError()
	}
	for _, r := range roles {
		if _, moved := positions[r.ID]; moved {
			s.gateway.DispatchToServer(serverID, gateway.EventServerRoleUpdate, map[string]any{"server_id": serverID, "role": r})
		}
	}
	return roles, nil
}

func (s *RoleService) serverRole(ctx context.Context, serverID, roleID string) (*models.Role, error) {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return nil, internalError()
	}
	if role == nil || role.ServerID != serverID {
		return nil, NotFound("NOT_FOUND", "role not found")
	}
	return role, nil
}

// checkGrantable rejects undefined bits, and bits the actor does not hold
// unless the actor is the owner or an administrator.
func checkGrantable(actor *Actor, bits int64) error {
	p := permissions.Permission(bits)
	if bits < 0 || p&^permissions.PermAll != 0 {
		return BadRequest("INVALID_PERMISSIONS", "permissions contain undefined bits")
	}
	if actor.IsOwner || actor.Perms.Has(permissions.PermAdministrator) {
		return nil
	}
	if !actor.Perms.Has(p) {
		return Forbidden("MISSING_PERMISSIONS", "cannot grant permissions you do not have")
	}
	return nil
}

func defaultRolePermissions(actor *Actor) int64 {
	if actor.IsOwner || actor.Perms.Has(permissions.PermAdministrator) {
		return int64(permissions.DefaultMemberPerms)
	}
	return int64(permissions.DefaultMemberPerms & actor.Perms)
}

func validateRoleName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > 100 {
		return BadRequest("INVALID_NAME", "name must be 1-100 characters")
	}
	return nil
}

func validateColor(color string) error {
	if color != "" && !colorPattern.MatchString(color) {
		return BadRequest("INVALID_COLOR", "color must be a #rrggbb hex string")
	}
	return nil
}
