package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/haos/internal/models"
)

type auditLogRepo struct {
	pool *pgxpool.Pool
}

func NewAuditLogRepository(pool *pgxpool.Pool) AuditLogRepository {
	return &auditLogRepo{pool: pool}
}

func scanAuditEntry(row pgx.Row, e *models.AuditEntry) error {
	var changes []byte
	if err := row.Scan(&e.ID, &e.ServerID, &e.ActionType, &e.ActorID, &e.TargetID, &changes, &e.Reason, &e.CreatedAt); err != nil {
		return err
	}
	if err := json.Unmarshal(changes, &e.Changes); err != nil {
		return fmt.Errorf("decoding audit changes: %w", err)
	}
	return nil
}

func (r *auditLogRepo) Create(ctx context.Context, entry *models.AuditEntry) error {
	return insertAuditEntry(ctx, r.pool, entry)
}

func (r *auditLogRepo) GetByID(ctx context.Context, id string) (*models.AuditEntry, error) {
	e := &models.AuditEntry{}
	err := scanAuditEntry(r.pool.QueryRow(ctx,
		`SELECT id, server_id, action_type, actor_id, target_id, changes, reason, created_at
		 FROM audit_log WHERE id = $1`, id,
	), e)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByServerID returns the newest entries first. An empty actionType
// matches every action.
func (r *auditLogRepo) GetByServerID(ctx context.Context, serverID, actionType string, limit int) ([]models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, server_id, action_type, actor_id, target_id, changes, reason, created_at
		 FROM audit_log
		 WHERE server_id = $1 AND ($2 = '' OR action_type = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`, serverID, actionType, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := scanAuditEntry(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *auditLogRepo) ExistsWithReason(ctx context.Context, serverID, reason string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_log WHERE server_id = $1 AND reason = $2)`,
		serverID, reason,
	).Scan(&exists)
	return exists, err
}
