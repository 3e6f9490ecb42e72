package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/models"
)

// memberSelect aggregates role ids so a member loads in one round trip.
const memberSelect = `
	SELECT m.id, m.server_id, m.user_id, m.display_name, m.nickname, m.avatar_url, m.joined_at,
	       COALESCE(array_agg(mr.role_id ORDER BY mr.role_id) FILTER (WHERE mr.role_id IS NOT NULL), '{}')
	FROM members m
	LEFT JOIN member_roles mr ON mr.member_id = m.id`

type memberRepo struct {
	pool *pgxpool.Pool
}

func NewMemberRepository(pool *pgxpool.Pool) MemberRepository {
	return &memberRepo{pool: pool}
}

func scanMember(row pgx.Row, m *models.Member) error {
	return row.Scan(&m.ID, &m.ServerID, &m.UserID, &m.DisplayName, &m.Nickname, &m.AvatarURL, &m.JoinedAt, &m.Roles)
}

func (r *memberRepo) Create(ctx context.Context, member *models.Member) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO members (id, server_id, user_id, display_name, nickname, avatar_url, joined_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			member.ID, member.ServerID, member.UserID, member.DisplayName, member.Nickname, member.AvatarURL, member.JoinedAt,
		)
		if err != nil {
			return err
		}
		if len(member.Roles) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO member_roles (member_id, role_id)
			 SELECT $1, unnest($2::text[])
			 ON CONFLICT DO NOTHING`,
			member.ID, member.Roles,
		)
		return err
	})
}

func (r *memberRepo) GetByID(ctx context.Context, id string) (*models.Member, error) {
	m := &models.Member{}
	err := scanMember(r.pool.QueryRow(ctx,
		memberSelect+` WHERE m.id = $1 GROUP BY m.id`, id,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (r *memberRepo) GetByServerAndUser(ctx context.Context, serverID, userID string) (*models.Member, error) {
	m := &models.Member{}
	err := scanMember(r.pool.QueryRow(ctx,
		memberSelect+` WHERE m.server_id = $1 AND m.user_id = $2 GROUP BY m.id`, serverID, userID,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (r *memberRepo) GetByServerID(ctx context.Context, serverID string, limit, offset int) ([]models.Member, error) {
	// LIMIT NULL returns every row.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return r.list(ctx,
		memberSelect+` WHERE m.server_id = $1 GROUP BY m.id
		 ORDER BY m.joined_at, m.id
		 LIMIT $2 OFFSET $3`, serverID, lim, offset,
	)
}

func (r *memberRepo) GetByIDs(ctx context.Context, serverID string, ids []string) ([]models.Member, error) {
	return r.list(ctx,
		memberSelect+` WHERE m.server_id = $1 AND m.id = ANY($2) GROUP BY m.id
		 ORDER BY m.joined_at, m.id`, serverID, ids,
	)
}

func (r *memberRepo) list(ctx context.Context, sql string, args ...any) ([]models.Member, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := scanMember(rows, &m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *memberRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM members WHERE id = $1`, id)
	return err
}

func (r *memberRepo) AddRole(ctx context.Context, memberID, roleID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO member_roles (member_id, role_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		memberID, roleID,
	)
	return err
}

func (r *memberRepo) RemoveRole(ctx context.Context, memberID, roleID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM member_roles WHERE member_id = $1 AND role_id = $2`,
		memberID, roleID,
	)
	return err
}

func (r *memberRepo) ApplyRoleChanges(ctx context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry

	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := checkRolesExist(ctx, tx, batch.ServerID, batch.Changes); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, memberID := range batch.MemberIDs {
			current, err := lockMemberRoles(ctx, tx, batch.ServerID, memberID)
			if err != nil {
				return err
			}

			effective := effectiveChanges(current, bulk.ApplyChanges(current, batch.Changes))
			if len(effective) == 0 {
				continue
			}
			if err := writeMemberRoles(ctx, tx, memberID, effective); err != nil {
				return err
			}

			entry := models.AuditEntry{
				ID:         uuid.NewString(),
				ServerID:   batch.ServerID,
				ActionType: models.AuditMemberRoleUpdate,
				ActorID:    batch.ActorID,
				TargetID:   memberID,
				Changes:    effective,
				Reason:     batch.Reason,
				CreatedAt:  now,
			}
			if err := insertAuditEntry(ctx, tx, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func checkRolesExist(ctx context.Context, q querier, serverID string, changes []models.RoleChange) error {
	want := make(map[string]struct{}, len(changes))
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		if _, ok := want[c.RoleID]; !ok {
			want[c.RoleID] = struct{}{}
			ids = append(ids, c.RoleID)
		}
	}

	rows, err := q.Query(ctx, `SELECT id FROM roles WHERE server_id = $1 AND id = ANY($2)`, serverID, ids)
	if err != nil {
		return fmt.Errorf("loading roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		delete(want, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for id := range want {
		return fmt.Errorf("role %s: %w", id, ErrRoleNotFound)
	}
	return nil
}

// lockMemberRoles locks the member row for the rest of the transaction and
// returns its current role ids.
func lockMemberRoles(ctx context.Context, q querier, serverID, memberID string) ([]string, error) {
	var id string
	err := q.QueryRow(ctx,
		`SELECT id FROM members WHERE id = $1 AND server_id = $2 FOR UPDATE`,
		memberID, serverID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", memberID, ErrMemberNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locking member %s: %w", memberID, err)
	}

	var roles []string
	err = q.QueryRow(ctx,
		`SELECT COALESCE(array_agg(role_id ORDER BY role_id), '{}') FROM member_roles WHERE member_id = $1`,
		memberID,
	).Scan(&roles)
	if err != nil {
		return nil, fmt.Errorf("loading roles of member %s: %w", memberID, err)
	}
	return roles, nil
}

func writeMemberRoles(ctx context.Context, q querier, memberID string, changes []models.RoleChange) error {
	var added, removed []string
	for _, c := range changes {
		if c.Action == models.RoleActionAdd {
			added = append(added, c.RoleID)
		} else {
			removed = append(removed, c.RoleID)
		}
	}
	if len(removed) > 0 {
		if _, err := q.Exec(ctx,
			`DELETE FROM member_roles WHERE member_id = $1 AND role_id = ANY($2)`,
			memberID, removed,
		); err != nil {
			return fmt.Errorf("removing roles from member %s: %w", memberID, err)
		}
	}
	if len(added) > 0 {
		if _, err := q.Exec(ctx,
			`INSERT INTO member_roles (member_id, role_id)
			 SELECT $1, unnest($2::text[])
			 ON CONFLICT DO NOTHING`,
			memberID, added,
		); err != nil {
			return fmt.Errorf("adding roles to member %s: %w", memberID, err)
		}
	}
	return nil
}

// effectiveChanges lists what actually differs between before and after:
// removals first, then additions.
func effectiveChanges(before, after []string) []models.RoleChange {
	inBefore := make(map[string]bool, len(before))
	for _, id := range before {
		inBefore[id] = true
	}
	inAfter := make(map[string]bool, len(after))
	for _, id := range after {
		inAfter[id] = true
	}

	var out []models.RoleChange
	for _, id := range before {
		if !inAfter[id] {
			out = append(out, models.RoleChange{RoleID: id, Action: models.RoleActionRemove})
		}
	}
	for _, id := range after {
		if !inBefore[id] {
			out = append(out, models.RoleChange{RoleID: id, Action: models.RoleActionAdd})
		}
	}
	return out
}

func insertAuditEntry(ctx context.Context, q querier, e *models.AuditEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("encoding audit changes: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO audit_log (id, server_id, action_type, actor_id, target_id, changes, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ServerID, e.ActionType, e.ActorID, e.TargetID, changes, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}
