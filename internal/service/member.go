package service

import (
	"context"

	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/database"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

const (
	defaultMemberPageSize = 50
	maxMemberPageSize     = 200
)

// MemberPage is one page of a filtered member listing.
type MemberPage struct {
	Members []models.Member `json:"members"`
	Total   int             `json:"total"`
}

// MemberPermissions is a member's effective server-level permission set.
type MemberPermissions struct {
	MemberID    string                 `json:"member_id"`
	Roles       []models.Role          `json:"roles"`
	Permissions permissions.Permission `json:"permissions,string"`
	Names       []string               `json:"names"`
	Owner       bool                   `json:"owner"`
}

// PermissionPreview is the projected effect of a change list on one member.
type PermissionPreview struct {
	MemberID          string                 `json:"member_id"`
	Before            permissions.Permission `json:"before,string"`
	After             permissions.Permission `json:"after,string"`
	Gained            []string               `json:"gained"`
	Lost              []string               `json:"lost"`
	Significant       bool                   `json:"significant"`
	SignificantGained []string               `json:"significant_gained"`
	SignificantLost   []string               `json:"significant_lost"`
}

// MemberService handles member listing and permission inspection.
type MemberService struct {
	members database.MemberRepository
	perms   *PermissionChecker
	policy  permissions.Policy
}

// NewMemberService creates a MemberService.
func NewMemberService(
	members database.MemberRepository,
	perms *PermissionChecker,
	policy permissions.Policy,
) *MemberService {
	return &MemberService{
		members: members,
		perms:   perms,
		policy:  policy,
	}
}

// ListMembers returns the members matching filter, sorted by display name
// and paged. Caller must be a member.
func (s *MemberService) ListMembers(ctx context.Context, serverID, userID string, filter bulk.Filter, limit, offset int) (*MemberPage, error) {
	if _, err := s.perms.ResolveActor(ctx, serverID, userID); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > maxMemberPageSize {
		limit = defaultMemberPageSize
	}
	if offset < 0 {
		offset = 0
	}

	all, err := s.members.GetByServerID(ctx, serverID, 0, 0)
	if err != nil {
		return nil, internalError()
	}
	matched := filter.Apply(all)

	page := &MemberPage{Members: []models.Member{}, Total: len(matched)}
	if offset < len(matched) {
		end := min(offset+limit, len(matched))
		page.Members = matched[offset:end]
	}
	return page, nil
}

// GetMemberPermissions returns a member's effective permissions, including
// the @everyone role. Caller must be a member.
func (s *MemberService) GetMemberPermissions(ctx context.Context, serverID, callerID, memberID string) (*MemberPermissions, error) {
	actor, err := s.perms.ResolveActor(ctx, serverID, callerID)
	if err != nil {
		return nil, err
	}
	member, err := s.serverMember(ctx, serverID, memberID)
	if err != nil {
		return nil, err
	}

	roles := actor.Roles.Resolve(member.Roles)
	out := &MemberPermissions{
		MemberID: member.ID,
		Roles:    roles,
		Owner:    member.UserID == actor.Server.OwnerID,
	}
	if out.Owner {
		out.Permissions = permissions.PermAll
	} else {
		out.Permissions = permissions.ComputeBasePermissions(everyoneRole(rolesOf(actor.Roles)), roles)
	}
	out.Names = out.Permissions.Names()
	return out, nil
}

// PreviewMemberChanges projects changes onto a single member without
// persisting anything. Requires MANAGE_ROLES.
func (s *MemberService) PreviewMemberChanges(ctx context.Context, serverID, callerID, memberID string, changes []models.RoleChange) (*PermissionPreview, error) {
	actor, err := s.perms.RequireServerPermission(ctx, serverID, callerID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}
	if err := validateChanges(actor, changes); err != nil {
		return nil, err
	}
	member, err := s.serverMember(ctx, serverID, memberID)
	if err != nil {
		return nil, err
	}

	proj := bulk.Project(*member, actor.Roles, changes)
	diff := proj.Diff()
	dangerous := s.policy.Dangerous()
	return &PermissionPreview{
		MemberID:          member.ID,
		Before:            proj.Before,
		After:             proj.After,
		Gained:            nonNil(diff.Gained.Names()),
		Lost:              nonNil(diff.Lost.Names()),
		Significant:       s.policy.IsSignificant(diff),
		SignificantGained: nonNil((diff.Gained & dangerous).Names()),
		SignificantLost:   nonNil((diff.Lost & dangerous).Names()),
	}, nil
}

func (s *MemberService) serverMember(ctx context.Context, serverID, memberID string) (*models.Member, error) {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return nil, internalError()
	}
	if member == nil || member.ServerID != serverID {
		return nil, NotFound("NOT_FOUND", "member not found")
	}
	return member, nil
}

// validateChanges checks that every change names a known, assignable role
// with a valid action.
func validateChanges(actor *Actor, changes []models.RoleChange) error {
	for _, c := range changes {
		if !c.Action.Valid() {
			return BadRequest("INVALID_ACTION", "action must be add or remove")
		}
		role, ok := actor.Roles[c.RoleID]
		if !ok {
			return NotFound("NOT_FOUND", "role not found")
		}
		if err := checkAssignable(actor, role); err != nil {
			return err
		}
	}
	return nil
}

// checkAssignable rejects roles that cannot be handed out directly.
func checkAssignable(actor *Actor, role models.Role) error {
	if role.IsDefault {
		return BadRequest("INVALID_ROLE", "the @everyone role cannot be assigned")
	}
	if role.Managed {
		return BadRequest("INVALID_ROLE", "managed roles cannot be assigned")
	}
	if !actor.CanManageRole(role) {
		return RoleHierarchyError("cannot assign a role at or above your highest role position")
	}
	return nil
}

func rolesOf(c bulk.Catalog) []models.Role {
	out := make([]models.Role, 0, len(c))
	for _, r := range c {
		out = append(out, r)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
