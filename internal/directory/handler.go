package directory

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-directory/internal/rbac"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// Handler exposes the directory over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers principal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersView))
		r.Get("/", h.listPrincipals)
		r.Get("/{id}", h.getPrincipal)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersCreate))
		r.Post("/", h.createPrincipal)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersEdit))
		r.Patch("/{id}", h.updatePrincipal)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersDelete))
		r.Delete("/{id}", h.deletePrincipal)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermUsersBulk, shared.PermUsersCreate))
		r.Post("/bulk", h.bulkCreate)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermUsersBulk, shared.PermUsersDelete))
		r.Post("/bulk-delete", h.bulkDelete)
	})
	// Knowing the current secret is the credential here.
	r.Post("/{id}/secret", h.changeSecret)
}

// MountAuthRoutes registers the unauthenticated login route.
func (h *Handler) MountAuthRoutes(r chi.Router) {
	r.Post("/login", h.login)
}

func (h *Handler) listPrincipals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status:         Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		RoleCode:       q.Get("role"),
		DepartmentCode: q.Get("department"),
		Search:         q.Get("search"),
	}
	if raw := q.Get("manager"); raw != "" {
		id, err := ParseID(raw)
		if err != nil {
			httpx.RespondError(w, shared.Validation("manager", "malformed principal id"))
			return
		}
		filter.ManagerRef = &id
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondError(w, shared.Validation("limit", "must be an integer"))
			return
		}
		limit = n
	}
	page, err := h.service.List(r.Context(), filter, q.Get("cursor"), limit)
	if err != nil {
		h.fail(w, r, "list principals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) getPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get principal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) createPrincipal(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, "create principal", err)
		return
	}
	w.Header().Set("Location", "/principals/"+p.ID.String())
	httpx.JSON(w, http.StatusCreated, p)
}

// nullable records whether a JSON key was present, so an explicit null can
// clear a field while an absent key leaves it untouched.
type nullable[T any] struct {
	Set   bool
	Value *T
}

func (n *nullable[T]) UnmarshalJSON(data []byte) error {
	n.Set = true
	if string(data) == "null" {
		n.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

type patchRequest struct {
	Name               *string                      `json:"name"`
	Email              *string                      `json:"email"`
	Secret             *string                      `json:"secret"`
	Role               *RoleSnapshot                `json:"role"`
	Department         nullable[DepartmentSnapshot] `json:"department"`
	ManagerRef         nullable[uuid.UUID]          `json:"managerRef"`
	ReportCode         *string                      `json:"reportCode"`
	Status             *Status                      `json:"status"`
	GrantedPermissions *[]string                    `json:"grantedPermissions"`
	ExpectedModifiedAt *time.Time                   `json:"expectedModifiedAt"`
}

func (req patchRequest) toPatch() Patch {
	p := Patch{
		Name:               req.Name,
		Email:              req.Email,
		Secret:             req.Secret,
		Role:               req.Role,
		ReportCode:         req.ReportCode,
		Status:             req.Status,
		ExpectedModifiedAt: req.ExpectedModifiedAt,
	}
	if req.Department.Set {
		p.Department = req.Department.Value
		p.ClearDepartment = req.Department.Value == nil
	}
	if req.ManagerRef.Set {
		p.ManagerRef = req.ManagerRef.Value
		p.ClearManager = req.ManagerRef.Value == nil
	}
	if req.GrantedPermissions != nil {
		p.GrantedPermissions = *req.GrantedPermissions
		if p.GrantedPermissions == nil {
			p.GrantedPermissions = []string{}
		}
	}
	return p
}

func (h *Handler) updatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), req.toPatch())
	if err != nil {
		h.fail(w, r, "update principal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) deletePrincipal(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "delete principal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkCreateRequest struct {
	Items []CreateInput `json:"items"`
}

func (h *Handler) bulkCreate(w http.ResponseWriter, r *http.Request) {
	var req bulkCreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.Items) == 0 {
		httpx.RespondError(w, shared.Validation("items", "at least one item is required"))
		return
	}
	result, err := h.service.BulkCreate(r.Context(), req.Items)
	if err != nil {
		h.fail(w, r, "bulk create", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) bulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.IDs) == 0 {
		httpx.RespondError(w, shared.Validation("ids", "at least one id is required"))
		return
	}
	result, err := h.service.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		h.fail(w, r, "bulk delete", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type loginRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Authenticate(r.Context(), req.Email, req.Secret)
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type changeSecretRequest struct {
	Current string `json:"current"`
	Next    string `json:"next"`
}

func (h *Handler) changeSecret(w http.ResponseWriter, r *http.Request) {
	var req changeSecretRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.ChangeSecret(r.Context(), chi.URLParam(r, "id"), req.Current, req.Next); err != nil {
		h.fail(w, r, "change secret", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !shared.IsDomain(err) {
		h.logger.ErrorContext(r.Context(), op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
