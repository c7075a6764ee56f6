package roles

import (
	"time"

	"github.com/odyssey-erp/odyssey-directory/internal/directory"
)

// Role is the canonical definition principals embed a snapshot of.
type Role struct {
	Code                string    `json:"code" yaml:"code" validate:"required,max=50"`
	Name                string    `json:"name" yaml:"name" validate:"required,max=100"`
	Level               int       `json:"level" yaml:"level" validate:"min=1,max=5"`
	Description         string    `json:"description" yaml:"description" validate:"max=500"`
	AssignableRoleCodes []string  `json:"assignableRoleCodes" yaml:"assignableRoleCodes"`
	CreatedAt           time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt           time.Time `json:"updatedAt" yaml:"-"`
}

// Snapshot returns the form embedded in principal records.
func (r Role) Snapshot() directory.RoleSnapshot {
	return directory.RoleSnapshot{
		Name:                r.Name,
		Code:                r.Code,
		Level:               r.Level,
		Description:         r.Description,
		AssignableRoleCodes: append([]string(nil), r.AssignableRoleCodes...),
	}
}
