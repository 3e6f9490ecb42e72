package service

import (
	"context"

	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/database"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

// RecentHistoryLimit is how many role updates the history view shows.
const RecentHistoryLimit = 10

// HistoryEntry is an audit entry annotated with whether it can still be
// reverted.
type HistoryEntry struct {
	models.AuditEntry
	CanUndo bool `json:"can_undo"`
}

// HistoryService exposes recent member role updates and reverts them.
type HistoryService struct {
	audit database.AuditLogRepository
	perms *PermissionChecker
	bulk  *BulkService
}

// NewHistoryService creates a HistoryService. Undo goes through the bulk
// commit path so it shares its lock, dispatch and receipts.
func NewHistoryService(audit database.AuditLogRepository, perms *PermissionChecker, bulk *BulkService) *HistoryService {
	return &HistoryService{
		audit: audit,
		perms: perms,
		bulk:  bulk,
	}
}

// RecentRoleUpdates returns the latest member role updates, newest first.
// Requires VIEW_AUDIT_LOG.
func (s *HistoryService) RecentRoleUpdates(ctx context.Context, serverID, actorID string) ([]HistoryEntry, error) {
	if _, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermViewAuditLog); err != nil {
		return nil, err
	}

	entries, err := s.audit.GetByServerID(ctx, serverID, models.AuditMemberRoleUpdate, RecentHistoryLimit)
	if err != nil {
		return nil, internalError()
	}

	now := s.bulk.now()
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntry{AuditEntry: e, CanUndo: e.CanUndo(now)}
	}
	return out, nil
}

// Undo reverts one role update by applying its inverse to the target
// member. The revert is itself recorded as a new audit entry. An undo that
// changes nothing returns no entries. Each entry can be undone once.
func (s *HistoryService) Undo(ctx context.Context, serverID, actorID, entryID string) ([]models.AuditEntry, error) {
	actor, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}

	entry, err := s.audit.GetByID(ctx, entryID)
	if err != nil {
		return nil, internalError()
	}
	if entry == nil || entry.ServerID != serverID || entry.ActionType != models.AuditMemberRoleUpdate {
		return nil, NotFound("NOT_FOUND", "audit entry not found")
	}
	if !entry.CanUndo(s.bulk.now()) {
		return nil, Gone("UNDO_EXPIRED", "this change can no longer be undone")
	}

	reason := "undo " + entry.ID
	undone, err := s.audit.ExistsWithReason(ctx, serverID, reason)
	if err != nil {
		return nil, internalError()
	}
	if undone {
		return nil, Conflict("ALREADY_UNDONE", "this change has already been undone")
	}

	inverse := bulk.InverseChanges(entry.Changes)
	if err := validateChanges(actor, inverse); err != nil {
		return nil, err
	}

	applied, err := s.bulk.commit(ctx, models.RoleChangeBatch{
		ServerID:  serverID,
		ActorID:   actorID,
		MemberIDs: []string{entry.TargetID},
		Changes:   inverse,
		Reason:    &reason,
	})
	if err != nil {
		return nil, mapBulkError(err)
	}
	if applied == nil {
		applied = []models.AuditEntry{}
	}
	return applied, nil
}
