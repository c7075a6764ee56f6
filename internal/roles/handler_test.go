package roles

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-directory/internal/permission"
	"github.com/odyssey-erp/odyssey-directory/internal/rbac"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

type staticGrants map[uuid.UUID]permission.Set

func (s staticGrants) GrantsFor(_ context.Context, id uuid.UUID) (permission.Set, error) {
	set, ok := s[id]
	if !ok {
		return nil, shared.NotFound("principal", id.String())
	}
	return set, nil
}

type resyncRecorder struct {
	codes []string
}

func (r *resyncRecorder) ResyncRoleSnapshots(_ context.Context, code string) (int, error) {
	r.codes = append(r.codes, code)
	return 3, nil
}

func TestHandlerRoutes(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.SaveRole(context.Background(), Role{Code: "STAFF", Name: "Staff", Level: 4})
	require.NoError(t, err)

	viewer, admin := uuid.New(), uuid.New()
	grants := staticGrants{
		viewer: permission.NewSet(shared.PermRolesView),
		admin:  permission.NewSet(shared.PermRolesView, shared.PermRolesResync),
	}
	resyncer := &resyncRecorder{}
	h := NewHandler(nil, svc, resyncer, rbac.Middleware{Source: grants})
	router := chi.NewRouter()
	router.Route("/roles", h.MountRoutes)

	call := func(actor uuid.UUID, method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := call(viewer, http.MethodGet, "/roles", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var listed struct {
		Roles []Role `json:"roles"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&listed))
	require.Len(t, listed.Roles, 1)

	rr = call(viewer, http.MethodGet, "/roles/ghost", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = call(viewer, http.MethodPost, "/roles/staff/resync", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, resyncer.codes)

	rr = call(admin, http.MethodPut, "/roles/lead", `{"name":"Team Lead","level":3,"assignableRoleCodes":["staff"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(admin, http.MethodPost, "/roles/staff/resync", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"roleCode":"STAFF","updated":3}`, rr.Body.String())
	assert.Equal(t, []string{"staff"}, resyncer.codes)
}
