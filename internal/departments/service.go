package departments

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-directory/internal/directory"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// RepositoryPort defines data access methods for departments.
type RepositoryPort interface {
	ListDepartments(ctx context.Context) ([]Department, error)
	GetDepartment(ctx context.Context, code string) (Department, error)
	UpsertDepartment(ctx context.Context, d Department) (Department, error)
}

// Service manages departments and serves as the directory's department catalog.
type Service struct {
	repo     RepositoryPort
	logger   *slog.Logger
	validate *validator.Validate
}

var _ directory.DepartmentCatalog = (*Service)(nil)

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, validate: shared.NewValidator()}
}

// ListDepartments returns all departments.
func (s *Service) ListDepartments(ctx context.Context) ([]Department, error) {
	return s.repo.ListDepartments(ctx)
}

// SaveDepartment validates and stores a department.
func (s *Service) SaveDepartment(ctx context.Context, d Department) (Department, error) {
	d.Code = shared.NormalizeCode(d.Code)
	d.Name = shared.NormalizeName(d.Name)
	if err := s.validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Department{}, shared.Validationf(verrs[0].Field(), "failed %s check", verrs[0].Tag())
		}
		return Department{}, err
	}
	saved, err := s.repo.UpsertDepartment(ctx, d)
	if err != nil {
		return Department{}, err
	}
	s.logger.InfoContext(ctx, "department saved", slog.String("department_code", saved.Code))
	return saved, nil
}

// LookupDepartment returns the canonical snapshot for code.
func (s *Service) LookupDepartment(ctx context.Context, code string) (directory.DepartmentSnapshot, error) {
	d, err := s.repo.GetDepartment(ctx, shared.NormalizeCode(code))
	if err != nil {
		return directory.DepartmentSnapshot{}, err
	}
	return d.Snapshot(), nil
}
