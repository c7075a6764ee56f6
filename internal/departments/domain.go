// Package departments holds the canonical department catalog.
package departments

import (
	"time"

	"github.com/odyssey-erp/odyssey-directory/internal/directory"
)

// Department is the canonical definition principals embed a snapshot of.
type Department struct {
	Code        string    `json:"code" yaml:"code" validate:"required,max=50"`
	Name        string    `json:"name" yaml:"name" validate:"required,max=100"`
	Description string    `json:"description" yaml:"description" validate:"max=500"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

// Snapshot returns the form embedded in principal records.
func (d Department) Snapshot() directory.DepartmentSnapshot {
	return directory.DepartmentSnapshot{Name: d.Name, Code: d.Code, Description: d.Description}
}
