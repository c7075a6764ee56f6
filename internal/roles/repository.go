package roles

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-directory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

const roleColumns = `code, name, level, description, assignable_role_codes, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListRoles returns all roles ordered by authority, then code.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY level, code`)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	roles := []Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return roles, nil
}

// GetRole loads one role by its canonical code.
func (r *Repository) GetRole(ctx context.Context, code string) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE code = $1`, code)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, shared.NotFound("role", code)
	}
	return role, err
}

// UpsertRole inserts or replaces a role definition.
func (r *Repository) UpsertRole(ctx context.Context, role Role) (Role, error) {
	codes := role.AssignableRoleCodes
	if codes == nil {
		codes = []string{}
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO roles (code, name, level, description, assignable_role_codes)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, level = EXCLUDED.level,
    description = EXCLUDED.description, assignable_role_codes = EXCLUDED.assignable_role_codes,
    updated_at = NOW()
RETURNING `+roleColumns, role.Code, role.Name, role.Level, role.Description, codes)
	return scanRole(row)
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	var level int16
	if err := row.Scan(&role.Code, &role.Name, &level, &role.Description, &role.AssignableRoleCodes, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, db.MapError(err)
	}
	role.Level = int(level)
	return role, nil
}
