// Package directory is the sole writer of principal records. Every create,
// update and delete runs inside one repository transaction so that validation
// of embedded snapshots, the manager hierarchy and the acting principal's
// authority either all pass and commit, or none of it is observable.
package directory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/auth"
	"github.com/odyssey-erp/odyssey-directory/internal/permission"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

const (
	auditEntity         = "principal"
	reportCodeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	reportCodeLength    = 8
	reportCodeAttempts  = 5
	defaultMinSecretLen = 6
	defaultBulkWorkers  = 4
	defaultManagerDepth = 64
)

// RoleCatalog resolves a role code to its current canonical definition.
type RoleCatalog interface {
	LookupRole(ctx context.Context, code string) (RoleSnapshot, error)
}

// DepartmentCatalog resolves a department code to its current definition.
type DepartmentCatalog interface {
	LookupDepartment(ctx context.Context, code string) (DepartmentSnapshot, error)
}

// Options tunes the directory service.
type Options struct {
	Pagination      shared.CursorPolicy
	MinSecretLength int
	BulkConcurrency int
	MaxManagerDepth int
}

func (o Options) withDefaults() Options {
	if o.Pagination.DefaultLimit <= 0 {
		o.Pagination.DefaultLimit = shared.DefaultCursorPolicy.DefaultLimit
	}
	if o.Pagination.MaxLimit <= 0 {
		o.Pagination.MaxLimit = shared.DefaultCursorPolicy.MaxLimit
	}
	if o.Pagination.DefaultLimit > o.Pagination.MaxLimit {
		o.Pagination.DefaultLimit = o.Pagination.MaxLimit
	}
	if o.MinSecretLength <= 0 {
		o.MinSecretLength = defaultMinSecretLen
	}
	if o.BulkConcurrency <= 0 {
		o.BulkConcurrency = defaultBulkWorkers
	}
	if o.MaxManagerDepth <= 0 {
		o.MaxManagerDepth = defaultManagerDepth
	}
	return o
}

// Service orchestrates principal lifecycle operations.
type Service struct {
	repo     Repository
	auth     *auth.Service
	hasher   *auth.Hasher
	logger   *slog.Logger
	opts     Options
	validate *validator.Validate

	cache   *Cache
	metrics *Metrics
	roles   RoleCatalog
	depts   DepartmentCatalog

	now        func() time.Time
	newID      func() (uuid.UUID, error)
	reportCode func() (string, error)
}

// NewService builds a Service. hasher must be the one the repository hashes
// secrets with.
func NewService(repo Repository, hasher *auth.Hasher, logger *slog.Logger, opts Options) *Service {
	if hasher == nil {
		hasher = auth.NewHasher(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		auth:       auth.NewService(repo, hasher),
		hasher:     hasher,
		logger:     logger,
		opts:       opts.withDefaults(),
		validate:   shared.NewValidator(),
		now:        time.Now,
		newID:      uuid.NewV7,
		reportCode: randomReportCode,
	}
}

// SetCache enables read-through caching of single principals.
func (s *Service) SetCache(cache *Cache) {
	s.cache = cache
}

// SetCatalogs makes create and update verify role and department codes
// against canonical catalogs. Either may be nil.
func (s *Service) SetCatalogs(roles RoleCatalog, depts DepartmentCatalog) {
	s.roles = roles
	s.depts = depts
}

// SetMetrics attaches Prometheus instrumentation.
func (s *Service) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// Options reports the effective options.
func (s *Service) Options() Options {
	return s.opts
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create validates in and persists a new principal.
func (s *Service) Create(ctx context.Context, in CreateInput) (Principal, error) {
	start := time.Now()
	p, err := s.create(ctx, in)
	return p, s.metrics.observe("create", start, err)
}

func (s *Service) create(ctx context.Context, in CreateInput) (Principal, error) {
	in, err := s.prepareCreate(in)
	if err != nil {
		return Principal{}, err
	}
	if err := s.checkUnique(ctx, in.Email, in.ReportCode, nil); err != nil {
		return Principal{}, err
	}
	id, err := s.newID()
	if err != nil {
		return Principal{}, fmt.Errorf("directory: generate id: %w", err)
	}
	now := s.clock()
	p := Principal{
		ID:                 id,
		Name:               in.Name,
		Email:              in.Email,
		Role:               in.Role,
		Department:         in.Department,
		ManagerRef:         in.ManagerRef,
		ReportCode:         in.ReportCode,
		Status:             in.Status,
		GrantedPermissions: in.GrantedPermissions,
		CreatedAt:          now,
		ModifiedAt:         now,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := s.resolveRole(ctx, p.Role)
		if err != nil {
			return err
		}
		p.Role = role
		dept, err := s.resolveDepartment(ctx, p.Department)
		if err != nil {
			return err
		}
		p.Department = dept
		in.Role = role
		if err := s.authorize(ctx, tx, func(g guard) error { return g.authorizeCreate(in) }); err != nil {
			return err
		}
		if p.ManagerRef != nil {
			if err := s.assignManager(ctx, tx, p.ID, *p.ManagerRef); err != nil {
				return err
			}
		}
		if p.ReportCode == "" {
			code, err := s.allocateReportCode(ctx, tx)
			if err != nil {
				return err
			}
			p.ReportCode = code
		}
		secret := in.Secret
		if err := tx.InsertPrincipal(ctx, Record{Principal: p, Secret: &secret}); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, s.audit(ctx, "principal.create", p.ID, map[string]any{
			"email":      p.Email,
			"role":       p.Role.Code,
			"reportCode": p.ReportCode,
		}))
	})
	if err != nil {
		s.logRollback(ctx, "create", id, err)
		return Principal{}, err
	}
	s.logger.InfoContext(ctx, "principal created", slog.String("principal_id", id.String()), slog.String("role", p.Role.Code))
	return s.repo.GetPrincipal(ctx, id)
}

// Update applies patch to the principal identified by rawID.
func (s *Service) Update(ctx context.Context, rawID string, patch Patch) (Principal, error) {
	start := time.Now()
	p, err := s.update(ctx, rawID, patch)
	return p, s.metrics.observe("update", start, err)
}

func (s *Service) update(ctx context.Context, rawID string, patch Patch) (Principal, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return Principal{}, err
	}
	patch, err = s.preparePatch(patch)
	if err != nil {
		return Principal{}, err
	}
	if patch.Empty() {
		return s.repo.GetPrincipal(ctx, id)
	}
	var email, code string
	if patch.Email != nil {
		email = *patch.Email
	}
	if patch.ReportCode != nil {
		code = *patch.ReportCode
	}
	if err := s.checkUnique(ctx, email, code, &id); err != nil {
		return Principal{}, err
	}

	var changed []string
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetPrincipalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if patch.ExpectedModifiedAt != nil && !existing.ModifiedAt.Equal(*patch.ExpectedModifiedAt) {
			return shared.Conflict("principal was modified since it was read", nil)
		}
		if patch.Role != nil {
			role, err := s.resolveRole(ctx, *patch.Role)
			if err != nil {
				return err
			}
			patch.Role = &role
		}
		if patch.Department != nil {
			dept, err := s.resolveDepartment(ctx, patch.Department)
			if err != nil {
				return err
			}
			patch.Department = dept
		}
		if err := s.authorize(ctx, tx, func(g guard) error { return g.authorizeUpdate(existing, patch) }); err != nil {
			return err
		}
		if patch.ManagerRef != nil && !sameRef(existing.ManagerRef, patch.ManagerRef) {
			if err := s.assignManager(ctx, tx, id, *patch.ManagerRef); err != nil {
				return err
			}
		}
		var next Principal
		next, changed = applyPatch(existing, patch, s.clock())
		if err := tx.UpdatePrincipal(ctx, Record{Principal: next, Secret: patch.Secret}); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, s.audit(ctx, "principal.update", id, map[string]any{"fields": changed}))
	})
	if err != nil {
		s.logRollback(ctx, "update", id, err)
		return Principal{}, err
	}
	s.cache.Invalidate(ctx, id)
	s.logger.InfoContext(ctx, "principal updated", slog.String("principal_id", id.String()), slog.Any("fields", changed))
	return s.repo.GetPrincipal(ctx, id)
}

// Delete removes a principal that nobody reports to.
func (s *Service) Delete(ctx context.Context, rawID string) error {
	start := time.Now()
	return s.metrics.observe("delete", start, s.delete(ctx, rawID))
}

func (s *Service) delete(ctx context.Context, rawID string) error {
	id, err := ParseID(rawID)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var actor *guard
		if actorID, ok := shared.ActorFromContext(ctx); ok {
			g, err := s.loadGuard(ctx, tx, actorID)
			if err != nil {
				return err
			}
			actor = &g
		}
		return s.deleteInTx(ctx, tx, id, actor)
	})
	if err != nil {
		s.logRollback(ctx, "delete", id, err)
		return err
	}
	s.cache.Invalidate(ctx, id)
	s.logger.InfoContext(ctx, "principal deleted", slog.String("principal_id", id.String()))
	return nil
}

func (s *Service) deleteInTx(ctx context.Context, tx TxRepository, id uuid.UUID, actor *guard) error {
	existing, err := tx.GetPrincipalForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if actor != nil {
		if err := actor.authorizeDelete(existing); err != nil {
			return err
		}
	}
	subordinates, err := tx.CountSubordinates(ctx, id)
	if err != nil {
		return err
	}
	if subordinates > 0 {
		return shared.Conflict(fmt.Sprintf("principal has %d dependents: reassign first", subordinates), nil)
	}
	if err := tx.DeletePrincipal(ctx, id); err != nil {
		return err
	}
	return tx.RecordAudit(ctx, s.audit(ctx, "principal.delete", id, map[string]any{"email": existing.Email}))
}

// Get returns a single principal.
func (s *Service) Get(ctx context.Context, rawID string) (Principal, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return Principal{}, err
	}
	return s.cache.Fetch(ctx, id, func(ctx context.Context) (Principal, error) {
		return s.repo.GetPrincipal(ctx, id)
	})
}

// List pages through principals in id order. Reads are not transactional.
func (s *Service) List(ctx context.Context, filter ListFilter, cursor string, limit int) (shared.Page[Principal], error) {
	start := time.Now()
	page, err := s.list(ctx, filter, cursor, limit)
	return page, s.metrics.observe("list", start, err)
}

func (s *Service) list(ctx context.Context, filter ListFilter, cursor string, limit int) (shared.Page[Principal], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return shared.Page[Principal]{}, shared.Validation("status", "must be one of active inactive")
	}
	return shared.Paginate(ctx, s.opts.Pagination, cursor, limit,
		func(p Principal) uuid.UUID { return p.ID },
		func(ctx context.Context, after *uuid.UUID, n int) ([]Principal, error) {
			return s.repo.ListPrincipals(ctx, filter, after, n)
		})
}

// Authenticate checks credentials and returns the principal. Unknown emails,
// wrong secrets and inactive accounts all fail with shared.ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, secret string) (Principal, error) {
	start := time.Now()
	p, err := s.authenticate(ctx, email, secret)
	return p, s.metrics.observe("authenticate", start, err)
}

func (s *Service) authenticate(ctx context.Context, email, secret string) (Principal, error) {
	account, err := s.auth.Authenticate(ctx, email, secret)
	if err != nil {
		return Principal{}, err
	}
	s.cache.Invalidate(ctx, account.ID)
	return s.repo.GetPrincipal(ctx, account.ID)
}

// ChangeSecret replaces the secret of rawID after verifying the current one.
func (s *Service) ChangeSecret(ctx context.Context, rawID, current, next string) error {
	start := time.Now()
	return s.metrics.observe("change_secret", start, s.changeSecret(ctx, rawID, current, next))
}

func (s *Service) changeSecret(ctx context.Context, rawID, current, next string) error {
	id, err := ParseID(rawID)
	if err != nil {
		return err
	}
	if err := s.checkSecret(next); err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.Credentials(ctx, id)
		if err != nil {
			return err
		}
		if !s.hasher.Verify(current, account.SecretHash) {
			return shared.ErrInvalidCredentials
		}
		existing, err := tx.GetPrincipalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		existing.ModifiedAt = s.clock()
		if err := tx.UpdatePrincipal(ctx, Record{Principal: existing, Secret: &next}); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, s.audit(ctx, "principal.secret", id, nil))
	})
	if err != nil {
		s.logRollback(ctx, "change_secret", id, err)
		return err
	}
	s.cache.Invalidate(ctx, id)
	s.logger.InfoContext(ctx, "principal secret changed", slog.String("principal_id", id.String()))
	return nil
}

// ResyncRoleSnapshots replaces every embedded snapshot of roleCode with the
// catalog's current definition and returns how many principals changed.
func (s *Service) ResyncRoleSnapshots(ctx context.Context, roleCode string) (int, error) {
	start := time.Now()
	n, err := s.resyncRole(ctx, roleCode)
	return n, s.metrics.observe("resync_role", start, err)
}

func (s *Service) resyncRole(ctx context.Context, roleCode string) (int, error) {
	if s.roles == nil {
		return 0, errors.New("directory: role catalog not configured")
	}
	code := shared.NormalizeCode(roleCode)
	if code == "" {
		return 0, shared.Validation("roleCode", "is required")
	}
	role, err := s.roles.LookupRole(ctx, code)
	if err != nil {
		return 0, err
	}
	role = normalizeRole(role)
	if err := s.checkRole(role); err != nil {
		return 0, err
	}
	var ids []uuid.UUID
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.authorize(ctx, tx, func(g guard) error {
			if err := g.active(); err != nil {
				return err
			}
			return g.require(shared.PermRolesResync)
		}); err != nil {
			return err
		}
		var err error
		ids, err = tx.ReplaceRoleSnapshot(ctx, role, s.clock())
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorRef(ctx),
			Action:   "role.resync",
			Entity:   "role",
			EntityID: role.Code,
			Meta:     map[string]any{"principals": len(ids)},
		})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "role resync rolled back", slog.String("role", code), slog.Any("error", err))
		return 0, err
	}
	s.cache.Invalidate(ctx, ids...)
	s.logger.InfoContext(ctx, "role snapshots resynced", slog.String("role", code), slog.Int("principals", len(ids)))
	return len(ids), nil
}

// GrantsFor returns the capability set of an active principal. Inactive
// principals hold nothing.
func (s *Service) GrantsFor(ctx context.Context, id uuid.UUID) (permission.Set, error) {
	p, err := s.cache.Fetch(ctx, id, func(ctx context.Context) (Principal, error) {
		return s.repo.GetPrincipal(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return permission.Set{}, nil
	}
	return p.Grants(), nil
}

func (s *Service) checkUnique(ctx context.Context, email, reportCode string, exclude *uuid.UUID) error {
	if email != "" {
		taken, err := s.repo.EmailTaken(ctx, email, exclude)
		if err != nil {
			return err
		}
		if taken {
			return shared.Validation("email", "is already in use")
		}
	}
	if reportCode != "" {
		taken, err := s.repo.ReportCodeTaken(ctx, reportCode, exclude)
		if err != nil {
			return err
		}
		if taken {
			return shared.Validation("reportCode", "is already in use")
		}
	}
	return nil
}

func (s *Service) resolveRole(ctx context.Context, role RoleSnapshot) (RoleSnapshot, error) {
	if err := s.checkRole(role); err != nil {
		return RoleSnapshot{}, err
	}
	if s.roles == nil {
		return role, nil
	}
	canonical, err := s.roles.LookupRole(ctx, role.Code)
	if err != nil {
		return RoleSnapshot{}, err
	}
	return normalizeRole(canonical), nil
}

func (s *Service) resolveDepartment(ctx context.Context, dept *DepartmentSnapshot) (*DepartmentSnapshot, error) {
	if dept == nil {
		return nil, nil
	}
	if err := s.checkDepartment(dept); err != nil {
		return nil, err
	}
	if s.depts == nil {
		return dept, nil
	}
	canonical, err := s.depts.LookupDepartment(ctx, dept.Code)
	if err != nil {
		return nil, err
	}
	return normalizeDepartment(&canonical), nil
}

// authorize runs check against the acting principal carried by ctx. Calls
// without an actor are trusted system calls.
func (s *Service) authorize(ctx context.Context, tx TxRepository, check func(guard) error) error {
	actorID, ok := shared.ActorFromContext(ctx)
	if !ok {
		return nil
	}
	g, err := s.loadGuard(ctx, tx, actorID)
	if err != nil {
		return err
	}
	return check(g)
}

func (s *Service) loadGuard(ctx context.Context, tx TxRepository, actorID uuid.UUID) (guard, error) {
	actor, err := tx.GetPrincipal(ctx, actorID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return guard{}, &shared.Error{Kind: shared.ErrUnauthorized, Message: "unknown acting principal"}
		}
		return guard{}, err
	}
	return newGuard(actor), nil
}

func (s *Service) allocateReportCode(ctx context.Context, tx TxRepository) (string, error) {
	for attempt := 0; attempt < reportCodeAttempts; attempt++ {
		code, err := s.reportCode()
		if err != nil {
			return "", err
		}
		taken, err := tx.ReportCodeTaken(ctx, code, nil)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", shared.Conflict("could not allocate a unique report code", nil)
}

func (s *Service) audit(ctx context.Context, action string, id uuid.UUID, meta map[string]any) shared.AuditLog {
	return shared.AuditLog{
		ActorID:  actorRef(ctx),
		Action:   action,
		Entity:   auditEntity,
		EntityID: id.String(),
		Meta:     meta,
		At:       s.clock(),
	}
}

func (s *Service) logRollback(ctx context.Context, op string, id uuid.UUID, err error) {
	level := slog.LevelWarn
	if !shared.IsDomain(err) {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "directory transaction rolled back",
		slog.String("operation", op),
		slog.String("principal_id", id.String()),
		slog.Any("error", err))
}

func actorRef(ctx context.Context) *uuid.UUID {
	if id, ok := shared.ActorFromContext(ctx); ok {
		return &id
	}
	return nil
}

func applyPatch(p Principal, patch Patch, now time.Time) (Principal, []string) {
	var changed []string
	if patch.Name != nil && *patch.Name != p.Name {
		p.Name = *patch.Name
		changed = append(changed, "name")
	}
	if patch.Email != nil && *patch.Email != p.Email {
		p.Email = *patch.Email
		changed = append(changed, "email")
	}
	if patch.Secret != nil {
		changed = append(changed, "secret")
	}
	if patch.Role != nil {
		p.Role = *patch.Role
		changed = append(changed, "role")
	}
	switch {
	case patch.ClearDepartment && p.Department != nil:
		p.Department = nil
		changed = append(changed, "department")
	case patch.Department != nil:
		dept := *patch.Department
		p.Department = &dept
		changed = append(changed, "department")
	}
	switch {
	case patch.ClearManager && p.ManagerRef != nil:
		p.ManagerRef = nil
		changed = append(changed, "managerRef")
	case patch.ManagerRef != nil && !sameRef(p.ManagerRef, patch.ManagerRef):
		ref := *patch.ManagerRef
		p.ManagerRef = &ref
		changed = append(changed, "managerRef")
	}
	if patch.ReportCode != nil && *patch.ReportCode != p.ReportCode {
		p.ReportCode = *patch.ReportCode
		changed = append(changed, "reportCode")
	}
	if patch.Status != nil && *patch.Status != p.Status {
		p.Status = *patch.Status
		changed = append(changed, "status")
	}
	if patch.GrantedPermissions != nil {
		p.GrantedPermissions = slices.Clone(patch.GrantedPermissions)
		changed = append(changed, "grantedPermissions")
	}
	p.ModifiedAt = now
	return p, changed
}

func sameRef(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func randomReportCode() (string, error) {
	out := make([]byte, reportCodeLength)
	limit := big.NewInt(int64(len(reportCodeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = reportCodeAlphabet[n.Int64()]
	}
	return string(out), nil
}
