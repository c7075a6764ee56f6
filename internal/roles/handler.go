package roles

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-directory/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-directory/internal/rbac"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// Handler manages role catalog endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	resyncer Resyncer
	rbac     rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resyncer Resyncer, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, resyncer: resyncer, rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesView))
		r.Get("/", h.listRoles)
		r.Get("/{code}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesResync))
		r.Put("/{code}", h.saveRole)
		r.Post("/{code}/resync", h.resync)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) saveRole(w http.ResponseWriter, r *http.Request) {
	var role Role
	if err := httpx.DecodeJSON(r, &role); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role.Code = chi.URLParam(r, "code")
	saved, err := h.service.SaveRole(r.Context(), role)
	if err != nil {
		h.fail(w, r, "save role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *Handler) resync(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	updated, err := h.resyncer.ResyncRoleSnapshots(r.Context(), code)
	if err != nil {
		h.fail(w, r, "resync role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roleCode": shared.NormalizeCode(code), "updated": updated})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !shared.IsDomain(err) {
		h.logger.ErrorContext(r.Context(), op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
