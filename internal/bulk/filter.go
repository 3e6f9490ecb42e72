package bulk

import (
	"slices"
	"strings"

	"github.com/victorivanov/haos/internal/models"
)

const (
	RoleFilterAll  = "all"
	RoleFilterNone = "none"
)

// Filter narrows a member list. Query matches display name or nickname,
// case-insensitively. Role is "all" (or empty), "none" for members without
// roles, or a role id.
type Filter struct {
	Query string `json:"q"`
	Role  string `json:"role"`
}

// Match reports whether m passes the filter.
func (f Filter) Match(m models.Member) bool {
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		nameHit := strings.Contains(strings.ToLower(m.DisplayName), q)
		nickHit := m.Nickname != nil && strings.Contains(strings.ToLower(*m.Nickname), q)
		if !nameHit && !nickHit {
			return false
		}
	}

	switch f.Role {
	case "", RoleFilterAll:
		return true
	case RoleFilterNone:
		return len(m.Roles) == 0
	default:
		return m.HasRole(f.Role)
	}
}

// Apply returns the matching members sorted by display name. Ties keep
// their input order.
func (f Filter) Apply(members []models.Member) []models.Member {
	out := make([]models.Member, 0, len(members))
	for _, m := range members {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Member) int {
		return strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName))
	})
	return out
}
