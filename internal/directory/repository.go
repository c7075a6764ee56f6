package directory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/auth"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// Record is a principal on its way to the store. A non-nil Secret is plain text
// and is hashed by the repository before it is written; nil leaves the stored
// hash untouched.
type Record struct {
	Principal
	Secret *string
}

// Repository defines principal data access outside of a transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetPrincipal(ctx context.Context, id uuid.UUID) (Principal, error)
	// ListPrincipals returns at most limit principals with id > after in id order.
	ListPrincipals(ctx context.Context, filter ListFilter, after *uuid.UUID, limit int) ([]Principal, error)
	EmailTaken(ctx context.Context, email string, exclude *uuid.UUID) (bool, error)
	ReportCodeTaken(ctx context.Context, code string, exclude *uuid.UUID) (bool, error)

	FindAccountByEmail(ctx context.Context, email string) (auth.Account, error)
	MarkAuthenticated(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TxRepository defines operations within a transaction. Implementations must
// isolate transactions so that a delete guarded by CountSubordinates cannot
// commit alongside a concurrent write that makes the row a manager.
type TxRepository interface {
	GetPrincipal(ctx context.Context, id uuid.UUID) (Principal, error)
	// GetPrincipalForUpdate loads and locks the row until the transaction ends.
	GetPrincipalForUpdate(ctx context.Context, id uuid.UUID) (Principal, error)
	PrincipalExists(ctx context.Context, id uuid.UUID) (bool, error)
	ReportCodeTaken(ctx context.Context, code string, exclude *uuid.UUID) (bool, error)
	// ManagerChain returns the manager index reachable upward from start,
	// bounded by maxDepth hops.
	ManagerChain(ctx context.Context, start uuid.UUID, maxDepth int) (ManagerIndex, error)
	CountSubordinates(ctx context.Context, id uuid.UUID) (int, error)
	Credentials(ctx context.Context, id uuid.UUID) (auth.Account, error)

	InsertPrincipal(ctx context.Context, rec Record) error
	UpdatePrincipal(ctx context.Context, rec Record) error
	DeletePrincipal(ctx context.Context, id uuid.UUID) error
	// ReplaceRoleSnapshot swaps the embedded role of every principal holding
	// role.Code and returns the ids it touched.
	ReplaceRoleSnapshot(ctx context.Context, role RoleSnapshot, at time.Time) ([]uuid.UUID, error)

	RecordAudit(ctx context.Context, log shared.AuditLog) error
	// Savepoint runs fn in a nested scope whose failure leaves the outer
	// transaction usable.
	Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

var _ auth.Repository = Repository(nil)
