package auth

import "github.com/google/uuid"

// Account is the credential view of a principal. It is the only read model
// that carries the secret hash.
type Account struct {
	ID         uuid.UUID
	Email      string
	SecretHash string
	Active     bool
}
