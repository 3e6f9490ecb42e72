package service

import (
	"context"

	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/database"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

// Actor is a caller's resolved standing in a server.
type Actor struct {
	UserID  string
	Server  *models.Server
	Member  *models.Member
	Roles   bulk.Catalog
	Perms   permissions.Permission
	Highest int
	IsOwner bool
}

// CanManageRole reports whether the actor may edit, assign or remove role.
// Owners may manage every role; everyone else only roles strictly below
// their highest role.
func (a *Actor) CanManageRole(role models.Role) bool {
	return a.IsOwner || role.Position < a.Highest
}

// PermissionChecker resolves server-level permissions for callers.
type PermissionChecker struct {
	servers database.ServerRepository
	members database.MemberRepository
	roles   database.RoleRepository
}

// NewPermissionChecker creates a PermissionChecker.
func NewPermissionChecker(
	servers database.ServerRepository,
	members database.MemberRepository,
	roles database.RoleRepository,
) *PermissionChecker {
	return &PermissionChecker{
		servers: servers,
		members: members,
		roles:   roles,
	}
}

// ResolveActor loads the caller's server, membership and roles. Callers who
// are not members get the same not-found error as a missing server.
func (p *PermissionChecker) ResolveActor(ctx context.Context, serverID, userID string) (*Actor, error) {
	server, err := p.servers.GetByID(ctx, serverID)
	if err != nil {
		return nil, internalError()
	}
	if server == nil {
		return nil, serverNotFound()
	}

	member, err := p.members.GetByServerAndUser(ctx, serverID, userID)
	if err != nil {
		return nil, internalError()
	}
	isOwner := server.OwnerID == userID
	if member == nil && !isOwner {
		return nil, serverNotFound()
	}

	roles, err := p.roles.GetByServerID(ctx, serverID)
	if err != nil {
		return nil, internalError()
	}

	actor := &Actor{
		UserID:  userID,
		Server:  server,
		Member:  member,
		Roles:   bulk.NewCatalog(roles),
		IsOwner: isOwner,
	}
	if isOwner {
		actor.Perms = permissions.PermAll
	}
	if member != nil {
		memberRoles := actor.Roles.Resolve(member.Roles)
		if !isOwner {
			actor.Perms = permissions.ComputeBasePermissions(everyoneRole(roles), memberRoles)
		}
		for _, r := range memberRoles {
			if r.Position > actor.Highest {
				actor.Highest = r.Position
			}
		}
	}
	return actor, nil
}

// RequireServerPermission resolves the caller and checks that they hold perm.
// Owners and administrators pass every check.
func (p *PermissionChecker) RequireServerPermission(ctx context.Context, serverID, userID string, perm permissions.Permission) (*Actor, error) {
	actor, err := p.ResolveActor(ctx, serverID, userID)
	if err != nil {
		return nil, err
	}
	if !actor.Perms.Has(perm) {
		return nil, Forbidden("MISSING_PERMISSIONS", "you do not have permission to perform this action")
	}
	return actor, nil
}

// everyoneRole returns the server's default role, or a zero role if the
// server has none.
func everyoneRole(roles []models.Role) models.Role {
	for _, r := range roles {
		if r.IsDefault {
			return r
		}
	}
	return models.Role{}
}
