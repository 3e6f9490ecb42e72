package permissions

import "fmt"

// DefaultDangerous is the set of permissions whose gain or loss is flagged
// for review unless the operator configures otherwise.
var DefaultDangerous = []Permission{
	PermAdministrator,
	PermManageServer,
	PermManageRoles,
	PermManageChannels,
	PermKickMembers,
	PermBanMembers,
	PermManageMessages,
	PermManageNicknames,
	PermViewAuditLog,
	PermMentionEveryone,
}

// Policy decides which permission changes are significant.
type Policy struct {
	dangerous Permission
}

// NewPolicy builds a policy from an explicit set of dangerous bits.
func NewPolicy(dangerous ...Permission) Policy {
	var p Policy
	for _, d := range dangerous {
		p.dangerous = p.dangerous.Add(d)
	}
	return p
}

// DefaultPolicy returns the policy built from DefaultDangerous.
func DefaultPolicy() Policy { return NewPolicy(DefaultDangerous...) }

// PolicyFromNames builds a policy from permission constant names. An empty
// list falls back to DefaultPolicy.
func PolicyFromNames(names []string) (Policy, error) {
	mask, err := ParseNames(names)
	if err != nil {
		return Policy{}, fmt.Errorf("dangerous permissions: %w", err)
	}
	if mask == 0 {
		return DefaultPolicy(), nil
	}
	return Policy{dangerous: mask}, nil
}

// Dangerous returns the mask of dangerous bits.
func (p Policy) Dangerous() Permission { return p.dangerous }

// IsSignificant reports whether d gains or loses any dangerous bit.
func (p Policy) IsSignificant(d PermissionDiff) bool {
	return (d.Gained|d.Lost)&p.dangerous != 0
}

// Significant filters perm down to its dangerous bits.
func (p Policy) Significant(perm Permission) Permission {
	return perm & p.dangerous
}
