package service

import (
	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

// SessionView is the JSON rendering of a bulk session.
type SessionView struct {
	ID        string              `json:"id"`
	ServerID  string              `json:"server_id"`
	State     bulk.State          `json:"state"`
	Selected  []string            `json:"selected"`
	Changes   []models.RoleChange `json:"changes"`
	Preview   *PreviewView        `json:"preview,omitempty"`
	LastError *string             `json:"last_error,omitempty"`
}

// PreviewView summarises a pending assignment.
type PreviewView struct {
	MembersAffected int              `json:"members_affected"`
	RoleChangeCount int              `json:"role_change_count"`
	HighRiskCount   int              `json:"high_risk_count"`
	RolesAdded      []models.Role    `json:"roles_added"`
	RolesRemoved    []models.Role    `json:"roles_removed"`
	Members         []MemberDiffView `json:"members"`
}

// MemberDiffView is one member's projected permission change.
type MemberDiffView struct {
	MemberID          string   `json:"member_id"`
	DisplayName       string   `json:"display_name"`
	RolesBefore       []string `json:"roles_before"`
	RolesAfter        []string `json:"roles_after"`
	Gained            []string `json:"gained"`
	Lost              []string `json:"lost"`
	Significant       bool     `json:"significant"`
	SignificantGained []string `json:"significant_gained"`
	SignificantLost   []string `json:"significant_lost"`
}

func (s *BulkService) view(sess *bulkSession) *SessionView {
	v := sess.orch.Snapshot()
	out := &SessionView{
		ID:       sess.id,
		ServerID: sess.serverID,
		State:    v.State,
		Selected: v.Selected,
		Changes:  v.Changes,
	}
	if out.Changes == nil {
		out.Changes = []models.RoleChange{}
	}
	if v.Preview != nil {
		out.Preview = newPreviewView(v.Preview)
	}
	if v.LastError != nil {
		msg := mapBulkError(v.LastError).Error()
		out.LastError = &msg
	}
	return out
}

func newPreviewView(p *bulk.Preview) *PreviewView {
	out := &PreviewView{
		MembersAffected: p.MembersAffected(),
		RoleChangeCount: p.RoleChangeCount,
		HighRiskCount:   p.HighRiskCount,
		RolesAdded:      p.RolesAdded,
		RolesRemoved:    p.RolesRemoved,
		Members:         make([]MemberDiffView, len(p.Members)),
	}
	for i, md := range p.Members {
		out.Members[i] = MemberDiffView{
			MemberID:          md.Member.ID,
			DisplayName:       md.Member.DisplayName,
			RolesBefore:       roleNames(md.Projection.CurrentRoles),
			RolesAfter:        roleNames(md.Projection.NewRoles),
			Gained:            nonNil(md.Diff.Gained.Names()),
			Lost:              nonNil(md.Diff.Lost.Names()),
			Significant:       md.Significant,
			SignificantGained: permNames(md.SignificantGained()),
			SignificantLost:   permNames(md.SignificantLost()),
		}
	}
	return out
}

func roleNames(roles []models.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.Name
	}
	return out
}

func permNames(bits []permissions.Permission) []string {
	out := make([]string, len(bits))
	for i, b := range bits {
		out[i] = b.Name()
	}
	return out
}
