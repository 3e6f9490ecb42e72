package bulk

import (
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

// Catalog indexes a server's roles by id.
type Catalog map[string]models.Role

func NewCatalog(roles []models.Role) Catalog {
	c := make(Catalog, len(roles))
	for _, r := range roles {
		c[r.ID] = r
	}
	return c
}

// Resolve maps ids to roles in the given order. Unknown ids are dropped.
func (c Catalog) Resolve(ids []string) []models.Role {
	roles := make([]models.Role, 0, len(ids))
	for _, id := range ids {
		if r, ok := c[id]; ok {
			roles = append(roles, r)
		}
	}
	return roles
}

// Projection is a member's role set before and after a change list.
type Projection struct {
	CurrentRoles []models.Role
	NewRoles     []models.Role
	Before       permissions.Permission
	After        permissions.Permission
}

// Diff returns the permission change of the projection.
func (p Projection) Diff() permissions.PermissionDiff {
	return permissions.Diff(p.Before, p.After)
}

// Project applies changes to member's roles and resolves both role lists
// against catalog. Role ids missing from the catalog contribute nothing.
func Project(member models.Member, catalog Catalog, changes []models.RoleChange) Projection {
	current := catalog.Resolve(member.Roles)
	next := catalog.Resolve(ApplyChanges(member.Roles, changes))
	return Projection{
		CurrentRoles: current,
		NewRoles:     next,
		Before:       permissions.Combine(current),
		After:        permissions.Combine(next),
	}
}
