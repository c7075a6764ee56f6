package departments

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-directory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

const departmentColumns = `code, name, description, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListDepartments returns all departments ordered by code.
func (r *Repository) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+departmentColumns+` FROM departments ORDER BY code`)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	out := []Department{}
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.Code, &d.Name, &d.Description, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, db.MapError(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return out, nil
}

// GetDepartment loads one department by code.
func (r *Repository) GetDepartment(ctx context.Context, code string) (Department, error) {
	var d Department
	err := r.pool.QueryRow(ctx, `SELECT `+departmentColumns+` FROM departments WHERE code = $1`, code).
		Scan(&d.Code, &d.Name, &d.Description, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Department{}, shared.NotFound("department", code)
	}
	if err != nil {
		return Department{}, db.MapError(err)
	}
	return d, nil
}

// UpsertDepartment inserts or replaces a department definition.
func (r *Repository) UpsertDepartment(ctx context.Context, d Department) (Department, error) {
	var out Department
	err := r.pool.QueryRow(ctx, `INSERT INTO departments (code, name, description)
VALUES ($1, $2, $3)
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, updated_at = NOW()
RETURNING `+departmentColumns, d.Code, d.Name, d.Description).
		Scan(&out.Code, &out.Name, &out.Description, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Department{}, db.MapError(err)
	}
	return out, nil
}
