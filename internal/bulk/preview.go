package bulk

import (
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

// MemberDiff is the projected effect of a change list on one member.
type MemberDiff struct {
	Member      models.Member
	Projection  Projection
	Diff        permissions.PermissionDiff
	Significant bool

	dangerous permissions.Permission
}

// SignificantGained returns the dangerous bits the member would gain.
func (d MemberDiff) SignificantGained() []permissions.Permission {
	return (d.Diff.Gained & d.dangerous).Bits()
}

// SignificantLost returns the dangerous bits the member would lose.
func (d MemberDiff) SignificantLost() []permissions.Permission {
	return (d.Diff.Lost & d.dangerous).Bits()
}

// Preview aggregates per-member diffs for a pending bulk assignment.
type Preview struct {
	Members         []MemberDiff
	HighRisk        []MemberDiff
	HighRiskCount   int
	RoleChangeCount int
	RolesAdded      []models.Role
	RolesRemoved    []models.Role
}

// MembersAffected is the number of members the assignment targets.
func (p *Preview) MembersAffected() int { return len(p.Members) }

// BuildPreview projects changes onto every member and flags those whose
// permission change the policy considers significant.
func BuildPreview(members []models.Member, catalog Catalog, changes []models.RoleChange, policy permissions.Policy) *Preview {
	cs := ChangeSet{changes: changes}
	p := &Preview{
		Members:         make([]MemberDiff, 0, len(members)),
		RoleChangeCount: len(changes),
		RolesAdded:      catalog.Resolve(cs.AddedRoleIDs()),
		RolesRemoved:    catalog.Resolve(cs.RemovedRoleIDs()),
	}

	for _, m := range members {
		proj := Project(m, catalog, changes)
		diff := proj.Diff()
		md := MemberDiff{
			Member:      m,
			Projection:  proj,
			Diff:        diff,
			Significant: policy.IsSignificant(diff),
			dangerous:   policy.Dangerous(),
		}
		p.Members = append(p.Members, md)
		if md.Significant {
			p.HighRisk = append(p.HighRisk, md)
		}
	}
	p.HighRiskCount = len(p.HighRisk)
	return p
}
