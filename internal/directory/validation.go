package directory

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/auth"
	"github.com/odyssey-erp/odyssey-directory/internal/permission"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

var reportCodePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// ParseID validates the textual form of a principal id.
func ParseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, shared.Validation("id", "malformed principal id")
	}
	return id, nil
}

// translate turns the first validator failure into a shared validation error
// keyed by the JSON path of the offending field.
func translate(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return shared.Validation("", err.Error())
	}
	fe := fieldErrs[0]
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return shared.Validation(path, "is required")
	case "email":
		return shared.Validation(path, "must be a valid email address")
	case "max":
		return shared.Validationf(path, "must be at most %s characters", fe.Param())
	case "min":
		return shared.Validationf(path, "must be at least %s", fe.Param())
	case "oneof":
		return shared.Validationf(path, "must be one of %s", fe.Param())
	default:
		return shared.Validationf(path, "failed %s check", fe.Tag())
	}
}

func (s *Service) checkSecret(secret string) error {
	if utf8.RuneCountInString(secret) < s.opts.MinSecretLength {
		return shared.Validationf("secret", "must be at least %d characters", s.opts.MinSecretLength)
	}
	if len(secret) > auth.MaxSecretBytes {
		return shared.Validationf("secret", "must be at most %d bytes", auth.MaxSecretBytes)
	}
	return nil
}

func checkReportCode(code string) error {
	if !reportCodePattern.MatchString(code) {
		return shared.Validation("reportCode", "must be 8 uppercase letters or digits")
	}
	return nil
}

func normalizeRole(role RoleSnapshot) RoleSnapshot {
	role.Name = shared.NormalizeName(role.Name)
	role.Code = shared.NormalizeCode(role.Code)
	role.Description = strings.TrimSpace(role.Description)
	role.AssignableRoleCodes = shared.NormalizeCodes(role.AssignableRoleCodes)
	return role
}

func normalizeDepartment(dept *DepartmentSnapshot) *DepartmentSnapshot {
	if dept == nil {
		return nil
	}
	out := *dept
	out.Name = shared.NormalizeName(out.Name)
	out.Code = shared.NormalizeCode(out.Code)
	out.Description = strings.TrimSpace(out.Description)
	return &out
}

func (s *Service) checkRole(role RoleSnapshot) error {
	if err := s.validate.Struct(role); err != nil {
		return prefixField("role", translate(err))
	}
	return nil
}

func (s *Service) checkDepartment(dept *DepartmentSnapshot) error {
	if dept == nil {
		return nil
	}
	if err := s.validate.Struct(dept); err != nil {
		return prefixField("department", translate(err))
	}
	return nil
}

func checkPermissions(codes []string) ([]string, error) {
	out, err := permission.Normalize(codes)
	if err != nil {
		return nil, shared.Validation("grantedPermissions", err.Error())
	}
	return out, nil
}

func prefixField(prefix string, err error) error {
	var derr *shared.Error
	if errors.As(err, &derr) {
		clone := *derr
		if clone.Field == "" {
			clone.Field = prefix
		} else {
			clone.Field = prefix + "." + clone.Field
		}
		return &clone
	}
	return err
}

// prepareCreate normalizes in and checks every field that needs no store access.
func (s *Service) prepareCreate(in CreateInput) (CreateInput, error) {
	in.Name = shared.NormalizeName(in.Name)
	in.Email = shared.NormalizeEmail(in.Email)
	in.ReportCode = shared.NormalizeCode(in.ReportCode)
	in.Role = normalizeRole(in.Role)
	in.Department = normalizeDepartment(in.Department)
	if in.Status == "" {
		in.Status = StatusActive
	}

	if err := s.validate.Struct(in); err != nil {
		return in, translate(err)
	}
	if err := s.checkSecret(in.Secret); err != nil {
		return in, err
	}
	if in.ReportCode != "" {
		if err := checkReportCode(in.ReportCode); err != nil {
			return in, err
		}
	}
	perms, err := checkPermissions(in.GrantedPermissions)
	if err != nil {
		return in, err
	}
	in.GrantedPermissions = perms
	return in, nil
}

// preparePatch normalizes the fields present in p and checks them.
func (s *Service) preparePatch(p Patch) (Patch, error) {
	if p.Department != nil && p.ClearDepartment {
		return p, shared.Validation("department", "cannot set and clear in one patch")
	}
	if p.ManagerRef != nil && p.ClearManager {
		return p, shared.Validation("managerRef", "cannot set and clear in one patch")
	}
	if p.Name != nil {
		name := shared.NormalizeName(*p.Name)
		if err := s.validate.Var(name, "required,max=120"); err != nil {
			return p, shared.Validation("name", "is required and at most 120 characters")
		}
		p.Name = &name
	}
	if p.Email != nil {
		email := shared.NormalizeEmail(*p.Email)
		if err := s.validate.Var(email, "required,email,max=254"); err != nil {
			return p, shared.Validation("email", "must be a valid email address")
		}
		p.Email = &email
	}
	if p.Secret != nil {
		if err := s.checkSecret(*p.Secret); err != nil {
			return p, err
		}
	}
	if p.Role != nil {
		role := normalizeRole(*p.Role)
		if err := s.checkRole(role); err != nil {
			return p, err
		}
		p.Role = &role
	}
	if p.Department != nil {
		p.Department = normalizeDepartment(p.Department)
		if err := s.checkDepartment(p.Department); err != nil {
			return p, err
		}
	}
	if p.ReportCode != nil {
		code := shared.NormalizeCode(*p.ReportCode)
		if err := checkReportCode(code); err != nil {
			return p, err
		}
		p.ReportCode = &code
	}
	if p.Status != nil && !p.Status.Valid() {
		return p, shared.Validation("status", "must be one of active inactive")
	}
	if p.GrantedPermissions != nil {
		perms, err := checkPermissions(p.GrantedPermissions)
		if err != nil {
			return p, err
		}
		p.GrantedPermissions = perms
	}
	return p, nil
}
