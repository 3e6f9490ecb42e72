package database

import (
	"context"
	"errors"

	"github.com/victorivanov/haos/internal/models"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrRoleNotFound   = errors.New("role not found")
)

type ServerRepository interface {
	Create(ctx context.Context, server *models.Server) error
	GetByID(ctx context.Context, id string) (*models.Server, error)
	Delete(ctx context.Context, id string) error
	GetByUserID(ctx context.Context, userID string) ([]models.Server, error)
}

type RoleRepository interface {
	Create(ctx context.Context, role *models.Role) error
	GetByID(ctx context.Context, id string) (*models.Role, error)
	GetByServerID(ctx context.Context, serverID string) ([]models.Role, error)
	Update(ctx context.Context, role *models.Role) error
	Delete(ctx context.Context, id string) error
	UpdatePositions(ctx context.Context, serverID string, positions map[string]int) error
}

type MemberRepository interface {
	Create(ctx context.Context, member *models.Member) error
	GetByID(ctx context.Context, id string) (*models.Member, error)
	GetByServerAndUser(ctx context.Context, serverID, userID string) (*models.Member, error)
	// GetByServerID pages members in join order. A limit <= 0 returns all.
	GetByServerID(ctx context.Context, serverID string, limit, offset int) ([]models.Member, error)
	GetByIDs(ctx context.Context, serverID string, ids []string) ([]models.Member, error)
	Delete(ctx context.Context, id string) error
	AddRole(ctx context.Context, memberID, roleID string) error
	RemoveRole(ctx context.Context, memberID, roleID string) error
	// ApplyRoleChanges applies batch.Changes to every member in one
	// transaction and records one audit entry per member whose roles
	// actually changed. An unknown member or role aborts the whole batch
	// with ErrMemberNotFound or ErrRoleNotFound.
	ApplyRoleChanges(ctx context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error)
}

type AuditLogRepository interface {
	Create(ctx context.Context, entry *models.AuditEntry) error
	GetByID(ctx context.Context, id string) (*models.AuditEntry, error)
	GetByServerID(ctx context.Context, serverID, actionType string, limit int) ([]models.AuditEntry, error)
	ExistsWithReason(ctx context.Context, serverID, reason string) (bool, error)
}
