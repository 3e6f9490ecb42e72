package permissions

import "github.com/victorivanov/haos/internal/models"

// Combine ORs together the permission masks of roles. An empty slice yields
// zero. The result does not depend on role order.
func Combine(roles []models.Role) Permission {
	var perms Permission
	for _, role := range roles {
		perms = perms.Add(Permission(role.Permissions))
	}
	return perms
}

// ComputeBasePermissions computes server-level permissions for a member.
//  1. Start with the @everyone role permissions.
//  2. OR all the member's assigned role permissions.
//  3. If the result includes ADMINISTRATOR, return PermAll.
func ComputeBasePermissions(everyoneRole models.Role, memberRoles []models.Role) Permission {
	perms := Permission(everyoneRole.Permissions).Add(Combine(memberRoles))
	if perms.Has(PermAdministrator) {
		return PermAll
	}
	return perms
}

// PermissionDiff is the bitwise change between two permission sets.
// Gained and Lost never share a bit.
type PermissionDiff struct {
	Gained Permission
	Lost   Permission
}

// Diff computes the bits gained and lost moving from before to after.
func Diff(before, after Permission) PermissionDiff {
	return PermissionDiff{
		Gained: after &^ before,
		Lost:   before &^ after,
	}
}

// Empty reports whether nothing changed.
func (d PermissionDiff) Empty() bool { return d.Gained == 0 && d.Lost == 0 }

// GainedBits returns the named bits gained, in ascending bit order.
func (d PermissionDiff) GainedBits() []Permission { return d.Gained.Bits() }

// LostBits returns the named bits lost, in ascending bit order.
func (d PermissionDiff) LostBits() []Permission { return d.Lost.Bits() }
