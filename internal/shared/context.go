package shared

import (
	"context"

	"github.com/google/uuid"
)

type actorContextKey struct{}

// ContextWithActor records the acting principal for downstream authorization.
func ContextWithActor(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, actorContextKey{}, id)
}

// ActorFromContext returns the acting principal, if any.
func ActorFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(actorContextKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
