package directory

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/permission"
)

// Status is the lifecycle state of a principal.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Role levels: 1 carries the most authority, 5 the least.
const (
	HighestRoleLevel = 1
	LowestRoleLevel  = 5
)

// RoleSnapshot is the role as it was when assigned. It is replaced as a whole
// and never follows later edits to the role catalog unless re-synced.
type RoleSnapshot struct {
	Name                string   `json:"name" validate:"required,max=100"`
	Code                string   `json:"code" validate:"required,max=50"`
	Level               int      `json:"level" validate:"min=1,max=5"`
	Description         string   `json:"description" validate:"max=500"`
	AssignableRoleCodes []string `json:"assignableRoleCodes"`
}

// CanAssign reports whether this role may grant code to others.
func (r RoleSnapshot) CanAssign(code string) bool {
	for _, c := range r.AssignableRoleCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Outranks reports whether r carries strictly more authority than other.
func (r RoleSnapshot) Outranks(other RoleSnapshot) bool {
	return r.Level < other.Level
}

// DepartmentSnapshot is the department as it was when assigned.
type DepartmentSnapshot struct {
	Name        string `json:"name" validate:"required,max=100"`
	Code        string `json:"code" validate:"required,max=50"`
	Description string `json:"description" validate:"max=500"`
}

// Principal is a directory user record. The secret is write-only and has no
// field here.
type Principal struct {
	ID                  uuid.UUID           `json:"id"`
	Name                string              `json:"name"`
	Email               string              `json:"email"`
	Role                RoleSnapshot        `json:"role"`
	Department          *DepartmentSnapshot `json:"department"`
	ManagerRef          *uuid.UUID          `json:"managerRef"`
	ReportCode          string              `json:"reportCode"`
	Status              Status              `json:"status"`
	LastAuthenticatedAt *time.Time          `json:"lastAuthenticatedAt"`
	GrantedPermissions  []string            `json:"grantedPermissions"`
	CreatedAt           time.Time           `json:"createdAt"`
	ModifiedAt          time.Time           `json:"modifiedAt"`
}

// Grants returns the principal's permissions as an evaluator set.
func (p Principal) Grants() permission.Set {
	return permission.NewSet(p.GrantedPermissions...)
}

// Active reports whether the principal may act.
func (p Principal) Active() bool {
	return p.Status == StatusActive
}

// CreateInput carries the fields of a new principal.
type CreateInput struct {
	Name               string              `json:"name" validate:"required,max=120"`
	Email              string              `json:"email" validate:"required,email,max=254"`
	Secret             string              `json:"secret"`
	Role               RoleSnapshot        `json:"role"`
	Department         *DepartmentSnapshot `json:"department"`
	ManagerRef         *uuid.UUID          `json:"managerRef"`
	ReportCode         string              `json:"reportCode"`
	Status             Status              `json:"status" validate:"omitempty,oneof=active inactive"`
	GrantedPermissions []string            `json:"grantedPermissions"`
}

// Redacted returns a copy without the secret, safe to echo back to callers.
func (in CreateInput) Redacted() CreateInput {
	in.Secret = ""
	return in
}

// Patch lists the fields an update changes. Nil pointers leave a field as is.
// GrantedPermissions replaces the set when non-nil, even if empty.
type Patch struct {
	Name               *string
	Email              *string
	Secret             *string
	Role               *RoleSnapshot
	Department         *DepartmentSnapshot
	ClearDepartment    bool
	ManagerRef         *uuid.UUID
	ClearManager       bool
	ReportCode         *string
	Status             *Status
	GrantedPermissions []string
	// ExpectedModifiedAt, when set, must equal the stored modifiedAt.
	ExpectedModifiedAt *time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Secret == nil && p.Role == nil &&
		p.Department == nil && !p.ClearDepartment && p.ManagerRef == nil && !p.ClearManager &&
		p.ReportCode == nil && p.Status == nil && p.GrantedPermissions == nil
}

// ListFilter narrows ListPrincipals.
type ListFilter struct {
	Status         Status     `json:"status,omitempty"`
	RoleCode       string     `json:"roleCode,omitempty"`
	DepartmentCode string     `json:"departmentCode,omitempty"`
	ManagerRef     *uuid.UUID `json:"managerRef,omitempty"`
	Search         string     `json:"search,omitempty"`
}

// BulkCreateFailure records one rejected item of a bulk create.
type BulkCreateFailure struct {
	Index int         `json:"index"`
	Item  CreateInput `json:"item"`
	Error string      `json:"error"`
	Err   error       `json:"-"`
}

// BulkCreateResult collects the outcome of BulkCreate in input order.
type BulkCreateResult struct {
	Results []Principal         `json:"results"`
	Errors  []BulkCreateFailure `json:"errors"`
}

// BulkDeleteFailure records one id that could not be deleted.
type BulkDeleteFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// BulkDeleteResult collects the outcome of BulkDelete in input order.
type BulkDeleteResult struct {
	Deleted []uuid.UUID         `json:"deleted"`
	Failed  []BulkDeleteFailure `json:"failed"`
}
