package directory

import (
	"context"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// ManagerIndex maps a principal id to its manager id. Principals without a
// manager are absent.
type ManagerIndex map[uuid.UUID]uuid.UUID

// checkManagerChain reports whether making manager the manager of subject would
// close a cycle or exceed maxDepth. It walks upward from manager and never
// follows an id twice.
func checkManagerChain(index ManagerIndex, subject, manager uuid.UUID, maxDepth int) error {
	if manager == subject {
		return shared.Validation("managerRef", "a principal cannot manage itself")
	}
	visited := make(map[uuid.UUID]struct{}, len(index))
	current := manager
	for depth := 1; ; depth++ {
		if current == subject {
			return shared.Validation("managerRef", "manager chain would form a cycle")
		}
		if _, seen := visited[current]; seen {
			return shared.Validation("managerRef", "manager chain already contains a cycle")
		}
		if depth > maxDepth {
			return shared.Validationf("managerRef", "manager chain exceeds %d levels", maxDepth)
		}
		visited[current] = struct{}{}
		next, ok := index[current]
		if !ok {
			return nil
		}
		current = next
	}
}

// assignManager verifies that manager exists and can manage subject inside tx.
func (s *Service) assignManager(ctx context.Context, tx TxRepository, subject, manager uuid.UUID) error {
	if manager == subject {
		return shared.Validation("managerRef", "a principal cannot manage itself")
	}
	exists, err := tx.PrincipalExists(ctx, manager)
	if err != nil {
		return err
	}
	if !exists {
		return shared.NotFound("managerRef", manager.String())
	}
	index, err := tx.ManagerChain(ctx, manager, s.opts.MaxManagerDepth+1)
	if err != nil {
		return err
	}
	return checkManagerChain(index, subject, manager, s.opts.MaxManagerDepth)
}
