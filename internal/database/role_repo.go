package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/haos/internal/models"
)

const roleColumns = `id, server_id, name, color, permissions, position, mentionable, hoist, managed, is_default`

type roleRepo struct {
	pool *pgxpool.Pool
}

func NewRoleRepository(pool *pgxpool.Pool) RoleRepository {
	return &roleRepo{pool: pool}
}

func scanRole(row pgx.Row, role *models.Role) error {
	return row.Scan(&role.ID, &role.ServerID, &role.Name, &role.Color, &role.Permissions,
		&role.Position, &role.Mentionable, &role.Hoist, &role.Managed, &role.IsDefault)
}

func (r *roleRepo) Create(ctx context.Context, role *models.Role) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO roles (`+roleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		role.ID, role.ServerID, role.Name, role.Color, role.Permissions, role.Position,
		role.Mentionable, role.Hoist, role.Managed, role.IsDefault,
	)
	return err
}

func (r *roleRepo) GetByID(ctx context.Context, id string) (*models.Role, error) {
	role := &models.Role{}
	err := scanRole(r.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = $1`, id,
	), role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return role, err
}

func (r *roleRepo) GetByServerID(ctx context.Context, serverID string) ([]models.Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE server_id = $1
		 ORDER BY position, id`, serverID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var role models.Role
		if err := scanRole(rows, &role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *roleRepo) Update(ctx context.Context, role *models.Role) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE roles SET name = $2, color = $3, permissions = $4, position = $5,
		        mentionable = $6, hoist = $7
		 WHERE id = $1`,
		role.ID, role.Name, role.Color, role.Permissions, role.Position, role.Mentionable, role.Hoist,
	)
	return err
}

func (r *roleRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	return err
}

// UpdatePositions sets the position of each role in one transaction. Every
// id must belong to serverID.
func (r *roleRepo) UpdatePositions(ctx context.Context, serverID string, positions map[string]int) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		for id, pos := range positions {
			tag, err := tx.Exec(ctx,
				`UPDATE roles SET position = $3 WHERE id = $1 AND server_id = $2`,
				id, serverID, pos,
			)
			if err != nil {
				return fmt.Errorf("updating role %s position: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("role %s: %w", id, ErrRoleNotFound)
			}
		}
		return nil
	})
}
