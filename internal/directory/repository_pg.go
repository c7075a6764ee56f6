package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-directory/internal/auth"
	"github.com/odyssey-erp/odyssey-directory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

const principalColumns = `id, name, email, role, department, manager_id, report_code, status,
	last_authenticated_at, granted_permissions, created_at, modified_at`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ensure implementation
var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool   *pgxpool.Pool
	hasher *auth.Hasher
}

// NewRepository returns the PostgreSQL repository. Secrets passed through
// Record are hashed with hasher before they reach the table.
func NewRepository(pool *pgxpool.Pool, hasher *auth.Hasher) Repository {
	if hasher == nil {
		hasher = auth.NewHasher(0)
	}
	return &pgRepository{pool: pool, hasher: hasher}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxLevel(ctx, r.pool, pgx.Serializable, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx, hasher: r.hasher})
	})
}

func (r *pgRepository) GetPrincipal(ctx context.Context, id uuid.UUID) (Principal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, pgUUID(id))
	return scanPrincipal(row, id)
}

func (r *pgRepository) ListPrincipals(ctx context.Context, filter ListFilter, after *uuid.UUID, limit int) ([]Principal, error) {
	query, args := buildListQuery(filter, after, limit)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	var out []Principal
	for rows.Next() {
		p, err := scanPrincipal(rows, uuid.Nil)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return out, nil
}

func (r *pgRepository) EmailTaken(ctx context.Context, email string, exclude *uuid.UUID) (bool, error) {
	return emailTaken(ctx, r.pool, email, exclude)
}

func (r *pgRepository) ReportCodeTaken(ctx context.Context, code string, exclude *uuid.UUID) (bool, error) {
	return reportCodeTaken(ctx, r.pool, code, exclude)
}

func (r *pgRepository) FindAccountByEmail(ctx context.Context, email string) (auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, email, secret_hash, status FROM principals WHERE lower(email) = lower($1)`, email)
	return scanAccount(row, "email")
}

func (r *pgRepository) MarkAuthenticated(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE principals SET last_authenticated_at = $2 WHERE id = $1`, pgUUID(id), at)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("principal", id.String())
	}
	return nil
}

type pgTxRepository struct {
	tx     pgx.Tx
	hasher *auth.Hasher
}

func (r *pgTxRepository) GetPrincipal(ctx context.Context, id uuid.UUID) (Principal, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, pgUUID(id))
	return scanPrincipal(row, id)
}

func (r *pgTxRepository) GetPrincipalForUpdate(ctx context.Context, id uuid.UUID) (Principal, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1 FOR UPDATE`, pgUUID(id))
	return scanPrincipal(row, id)
}

func (r *pgTxRepository) PrincipalExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM principals WHERE id = $1)`, pgUUID(id)).Scan(&exists); err != nil {
		return false, db.MapError(err)
	}
	return exists, nil
}

func (r *pgTxRepository) ReportCodeTaken(ctx context.Context, code string, exclude *uuid.UUID) (bool, error) {
	return reportCodeTaken(ctx, r.tx, code, exclude)
}

func (r *pgTxRepository) ManagerChain(ctx context.Context, start uuid.UUID, maxDepth int) (ManagerIndex, error) {
	rows, err := r.tx.Query(ctx, `
		WITH RECURSIVE chain (id, manager_id, depth) AS (
			SELECT id, manager_id, 1 FROM principals WHERE id = $1
			UNION ALL
			SELECT p.id, p.manager_id, c.depth + 1
			FROM principals p
			JOIN chain c ON p.id = c.manager_id
			WHERE c.depth < $2
		)
		SELECT id, manager_id FROM chain WHERE manager_id IS NOT NULL`, pgUUID(start), maxDepth)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	index := make(ManagerIndex)
	for rows.Next() {
		var id, manager pgtype.UUID
		if err := rows.Scan(&id, &manager); err != nil {
			return nil, err
		}
		index[uuid.UUID(id.Bytes)] = uuid.UUID(manager.Bytes)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return index, nil
}

func (r *pgTxRepository) CountSubordinates(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	if err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM principals WHERE manager_id = $1`, pgUUID(id)).Scan(&count); err != nil {
		return 0, db.MapError(err)
	}
	return count, nil
}

func (r *pgTxRepository) Credentials(ctx context.Context, id uuid.UUID) (auth.Account, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, email, secret_hash, status FROM principals WHERE id = $1 FOR UPDATE`, pgUUID(id))
	return scanAccount(row, id.String())
}

func (r *pgTxRepository) InsertPrincipal(ctx context.Context, rec Record) error {
	if rec.Secret == nil {
		return errors.New("directory: insert requires a secret")
	}
	hash, err := r.hasher.Hash(*rec.Secret)
	if err != nil {
		return err
	}
	role, dept, err := snapshotArgs(rec.Principal)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `
		INSERT INTO principals (id, name, email, secret_hash, role, department, manager_id, report_code,
			status, last_authenticated_at, granted_permissions, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pgUUID(rec.ID), rec.Name, rec.Email, hash, role, dept, pgUUIDPtr(rec.ManagerRef), rec.ReportCode,
		string(rec.Status), rec.LastAuthenticatedAt, permissionsArg(rec.GrantedPermissions), rec.CreatedAt, rec.ModifiedAt)
	return db.MapError(err)
}

func (r *pgTxRepository) UpdatePrincipal(ctx context.Context, rec Record) error {
	var hash *string
	if rec.Secret != nil {
		hashed, err := r.hasher.Hash(*rec.Secret)
		if err != nil {
			return err
		}
		hash = &hashed
	}
	role, dept, err := snapshotArgs(rec.Principal)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `
		UPDATE principals SET
			name = $2, email = $3, secret_hash = COALESCE($4, secret_hash), role = $5, department = $6,
			manager_id = $7, report_code = $8, status = $9, granted_permissions = $10, modified_at = $11
		WHERE id = $1`,
		pgUUID(rec.ID), rec.Name, rec.Email, hash, role, dept, pgUUIDPtr(rec.ManagerRef), rec.ReportCode,
		string(rec.Status), permissionsArg(rec.GrantedPermissions), rec.ModifiedAt)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("principal", rec.ID.String())
	}
	return nil
}

func (r *pgTxRepository) DeletePrincipal(ctx context.Context, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM principals WHERE id = $1`, pgUUID(id))
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("principal", id.String())
	}
	return nil
}

func (r *pgTxRepository) ReplaceRoleSnapshot(ctx context.Context, role RoleSnapshot, at time.Time) ([]uuid.UUID, error) {
	payload, err := json.Marshal(role)
	if err != nil {
		return nil, err
	}
	rows, err := r.tx.Query(ctx, `
		UPDATE principals SET role = $1, modified_at = $2
		WHERE role->>'code' = $3
		RETURNING id`, payload, at, role.Code)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uuid.UUID(id.Bytes))
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return ids, nil
}

func (r *pgTxRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return db.MapError(shared.NewAuditLogger(r.tx).Record(ctx, log))
}

func (r *pgTxRepository) Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithSavepoint(ctx, r.tx, func(sp pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: sp, hasher: r.hasher})
	})
}

func emailTaken(ctx context.Context, q querier, email string, exclude *uuid.UUID) (bool, error) {
	var taken bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM principals WHERE lower(email) = lower($1) AND ($2::uuid IS NULL OR id <> $2))`,
		email, pgUUIDPtr(exclude)).Scan(&taken)
	if err != nil {
		return false, db.MapError(err)
	}
	return taken, nil
}

func reportCodeTaken(ctx context.Context, q querier, code string, exclude *uuid.UUID) (bool, error) {
	var taken bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM principals WHERE upper(report_code) = upper($1) AND ($2::uuid IS NULL OR id <> $2))`,
		code, pgUUIDPtr(exclude)).Scan(&taken)
	if err != nil {
		return false, db.MapError(err)
	}
	return taken, nil
}

func buildListQuery(filter ListFilter, after *uuid.UUID, limit int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.RoleCode != "" {
		add("role->>'code' = $%d", shared.NormalizeCode(filter.RoleCode))
	}
	if filter.DepartmentCode != "" {
		add("department->>'code' = $%d", shared.NormalizeCode(filter.DepartmentCode))
	}
	if filter.ManagerRef != nil {
		add("manager_id = $%d", pgUUID(*filter.ManagerRef))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		add("(name ILIKE $%[1]d OR email ILIKE $%[1]d)", "%"+escapeLike(search)+"%")
	}
	if after != nil {
		add("id > $%d", pgUUID(*after))
	}
	query := `SELECT ` + principalColumns + ` FROM principals`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	return query, args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanPrincipal(row pgx.Row, id uuid.UUID) (Principal, error) {
	var (
		p          Principal
		pid        pgtype.UUID
		manager    pgtype.UUID
		roleRaw    []byte
		deptRaw    []byte
		status     string
		lastAuthAt *time.Time
	)
	err := row.Scan(&pid, &p.Name, &p.Email, &roleRaw, &deptRaw, &manager, &p.ReportCode, &status,
		&lastAuthAt, &p.GrantedPermissions, &p.CreatedAt, &p.ModifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, shared.NotFound("principal", id.String())
		}
		return Principal{}, db.MapError(err)
	}
	p.ID = uuid.UUID(pid.Bytes)
	p.Status = Status(status)
	if manager.Valid {
		ref := uuid.UUID(manager.Bytes)
		p.ManagerRef = &ref
	}
	if lastAuthAt != nil {
		at := lastAuthAt.UTC()
		p.LastAuthenticatedAt = &at
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ModifiedAt = p.ModifiedAt.UTC()
	if err := json.Unmarshal(roleRaw, &p.Role); err != nil {
		return Principal{}, fmt.Errorf("directory: decode role of %s: %w", p.ID, err)
	}
	if len(deptRaw) > 0 && string(deptRaw) != "null" {
		var dept DepartmentSnapshot
		if err := json.Unmarshal(deptRaw, &dept); err != nil {
			return Principal{}, fmt.Errorf("directory: decode department of %s: %w", p.ID, err)
		}
		p.Department = &dept
	}
	if p.GrantedPermissions == nil {
		p.GrantedPermissions = []string{}
	}
	return p, nil
}

func scanAccount(row pgx.Row, key string) (auth.Account, error) {
	var (
		account auth.Account
		id      pgtype.UUID
		status  string
	)
	if err := row.Scan(&id, &account.Email, &account.SecretHash, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Account{}, shared.NotFound("principal", key)
		}
		return auth.Account{}, db.MapError(err)
	}
	account.ID = uuid.UUID(id.Bytes)
	account.Active = Status(status) == StatusActive
	return account, nil
}

func snapshotArgs(p Principal) (role []byte, dept any, err error) {
	role, err = json.Marshal(p.Role)
	if err != nil {
		return nil, nil, err
	}
	if p.Department == nil {
		return role, nil, nil
	}
	raw, err := json.Marshal(p.Department)
	if err != nil {
		return nil, nil, err
	}
	return role, raw, nil
}

func permissionsArg(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	return codes
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: [16]byte(id), Valid: true}
}

func pgUUIDPtr(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgUUID(*id)
}
