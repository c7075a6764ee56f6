package roles

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-directory/internal/directory"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, code string) (Role, error)
	UpsertRole(ctx context.Context, role Role) (Role, error)
}

// Resyncer rewrites embedded role snapshots after a catalog change.
type Resyncer interface {
	ResyncRoleSnapshots(ctx context.Context, roleCode string) (int, error)
}

// Service handles role business logic and serves as the directory's role
// catalog.
type Service struct {
	repo     RepositoryPort
	logger   *slog.Logger
	validate *validator.Validate
}

var _ directory.RoleCatalog = (*Service)(nil)

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, validate: shared.NewValidator()}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole returns the role with the given code.
func (s *Service) GetRole(ctx context.Context, code string) (Role, error) {
	return s.repo.GetRole(ctx, shared.NormalizeCode(code))
}

// SaveRole validates and stores a role definition. Principals keep their old
// snapshot until the role is re-synced.
func (s *Service) SaveRole(ctx context.Context, role Role) (Role, error) {
	role.Code = shared.NormalizeCode(role.Code)
	role.Name = shared.NormalizeName(role.Name)
	role.AssignableRoleCodes = shared.NormalizeCodes(role.AssignableRoleCodes)
	if err := s.validate.Struct(role); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Role{}, shared.Validationf(verrs[0].Field(), "failed %s check", verrs[0].Tag())
		}
		return Role{}, err
	}
	saved, err := s.repo.UpsertRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.logger.InfoContext(ctx, "role saved", slog.String("role_code", saved.Code), slog.Int("level", saved.Level))
	return saved, nil
}

// LookupRole returns the canonical snapshot for code.
func (s *Service) LookupRole(ctx context.Context, code string) (directory.RoleSnapshot, error) {
	role, err := s.GetRole(ctx, code)
	if err != nil {
		return directory.RoleSnapshot{}, err
	}
	return role.Snapshot(), nil
}
