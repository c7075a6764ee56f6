// Package rbac gates HTTP routes on the acting principal's capabilities.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/permission"
	"github.com/odyssey-erp/odyssey-directory/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// PermissionSource resolves the capability set of a principal.
type PermissionSource interface {
	GrantsFor(ctx context.Context, id uuid.UUID) (permission.Set, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Source PermissionSource
	Logger *slog.Logger
}

type checkFunc func(permission.Set, ...string) (bool, error)

// RequireAny ensures the current principal holds at least one of perms.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require any", permission.HasAnyCapability, perms)
}

// RequireAll ensures the current principal holds every one of perms.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require all", permission.HasAllCapabilities, perms)
}

func (m Middleware) require(op string, check checkFunc, perms []string) func(http.Handler) http.Handler {
	normalized, err := permission.Normalize(perms)
	if err != nil {
		panic(fmt.Sprintf("rbac: %v", err))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actorID, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, &shared.Error{Kind: shared.ErrUnauthorized, Message: "acting principal required"})
				return
			}
			granted, err := m.Source.GrantsFor(r.Context(), actorID)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					httpx.RespondError(w, &shared.Error{Kind: shared.ErrUnauthorized, Message: "unknown acting principal"})
					return
				}
				m.logger().Error(op, slog.String("actor_id", actorID.String()), slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			allowed, err := check(granted, normalized...)
			if err != nil {
				m.logger().Error(op, slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			if !allowed {
				httpx.RespondError(w, shared.Forbidden("insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}
