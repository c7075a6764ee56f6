package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// Repository defines persistence operations for credential checks.
type Repository interface {
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	MarkAuthenticated(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	hasher *Hasher
	now    func() time.Time
	// decoy is compared against when no account matches so unknown emails
	// cost the same as wrong secrets.
	decoy string
}

// NewService constructs a new Service.
func NewService(repo Repository, hasher *Hasher) *Service {
	if hasher == nil {
		hasher = NewHasher(0)
	}
	decoy, _ := hasher.Hash("decoy-secret-for-timing")
	return &Service{repo: repo, hasher: hasher, now: time.Now, decoy: decoy}
}

// Authenticate validates email/secret credentials and stamps the login time.
// Every credential failure is shared.ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, secret string) (Account, error) {
	account, err := s.repo.FindAccountByEmail(ctx, shared.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.hasher.Verify(secret, s.decoy)
			return Account{}, shared.ErrInvalidCredentials
		}
		return Account{}, err
	}
	matched := s.hasher.Verify(secret, account.SecretHash)
	if !matched || !account.Active {
		return Account{}, shared.ErrInvalidCredentials
	}
	if err := s.repo.MarkAuthenticated(ctx, account.ID, s.now().UTC()); err != nil {
		return Account{}, err
	}
	return account, nil
}
