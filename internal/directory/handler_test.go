package directory

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-directory/internal/rbac"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

type handlerFixture struct {
	t      *testing.T
	svc    *Service
	router chi.Router
	root   Principal
	staff  Principal
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	svc, _ := newTestService(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rootIn := input("Root", "root@example.com")
	rootIn.Role = adminRole()
	rootIn.GrantedPermissions = []string{"*"}
	staffIn := input("Staff", "staff@example.com")
	staffIn.GrantedPermissions = []string{"users.view"}

	h := NewHandler(logger, svc, rbac.Middleware{Source: svc, Logger: logger})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id, err := uuid.Parse(req.Header.Get("X-Actor-ID")); err == nil {
				req = req.WithContext(shared.ContextWithActor(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/principals", h.MountRoutes)
	r.Route("/auth", h.MountAuthRoutes)

	return &handlerFixture{
		t:      t,
		svc:    svc,
		router: r,
		root:   mustCreate(t, svc, rootIn),
		staff:  mustCreate(t, svc, staffIn),
	}
}

func (f *handlerFixture) do(actor *Principal, method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(f.t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("X-Actor-ID", actor.ID.String())
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), rr.Body.String())
	return out
}

func TestHandlerCreateAndGet(t *testing.T) {
	f := newHandlerFixture(t)

	rr := f.do(&f.root, http.MethodPost, "/principals", input("Grace", "grace@example.com"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[Principal](t, rr)
	assert.Equal(t, "/principals/"+created.ID.String(), rr.Header().Get("Location"))
	assert.NotContains(t, rr.Body.String(), "s3cret")

	rr = f.do(&f.staff, http.MethodGet, "/principals/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "grace@example.com", decode[Principal](t, rr).Email)

	rr = f.do(&f.root, http.MethodPost, "/principals", input("Again", "GRACE@example.com"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), `"field":"email"`)

	rr = f.do(&f.root, http.MethodPost, "/principals", `{"name":"x","bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerStatusCodes(t *testing.T) {
	f := newHandlerFixture(t)
	ghost := Principal{ID: uuid.Must(uuid.NewV7())}

	cases := []struct {
		name   string
		actor  *Principal
		method string
		path   string
		body   any
		status int
	}{
		{"no actor", nil, http.MethodGet, "/principals", nil, http.StatusUnauthorized},
		{"unknown actor", &ghost, http.MethodGet, "/principals", nil, http.StatusUnauthorized},
		{"missing permission", &f.staff, http.MethodPost, "/principals", input("x", "x@example.com"), http.StatusForbidden},
		{"bulk needs both codes", &f.staff, http.MethodPost, "/principals/bulk", bulkCreateRequest{}, http.StatusForbidden},
		{"malformed id", &f.root, http.MethodGet, "/principals/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown id", &f.root, http.MethodGet, "/principals/" + ghost.ID.String(), nil, http.StatusNotFound},
		{"bad limit", &f.root, http.MethodGet, "/principals?limit=abc", nil, http.StatusBadRequest},
		{"bad status filter", &f.root, http.MethodGet, "/principals?status=archived", nil, http.StatusBadRequest},
		{"empty bulk", &f.root, http.MethodPost, "/principals/bulk", bulkCreateRequest{}, http.StatusBadRequest},
		{"self delete", &f.root, http.MethodDelete, "/principals/" + f.root.ID.String(), nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(tc.actor, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}
}

func TestHandlerPatchDistinguishesNullFromAbsent(t *testing.T) {
	f := newHandlerFixture(t)
	in := input("Sub", "sub@example.com")
	in.ManagerRef = &f.root.ID
	in.Department = &DepartmentSnapshot{Name: "Ops", Code: "OPS"}
	sub := mustCreate(t, f.svc, in)

	rr := f.do(&f.root, http.MethodPatch, "/principals/"+sub.ID.String(), `{"name":"Renamed"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	renamed := decode[Principal](t, rr)
	assert.Equal(t, "Renamed", renamed.Name)
	require.NotNil(t, renamed.ManagerRef)
	require.NotNil(t, renamed.Department)

	rr = f.do(&f.root, http.MethodPatch, "/principals/"+sub.ID.String(), `{"managerRef":null,"department":null}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	cleared := decode[Principal](t, rr)
	assert.Nil(t, cleared.ManagerRef)
	assert.Nil(t, cleared.Department)
}

func TestHandlerDeleteConflictAndSuccess(t *testing.T) {
	f := newHandlerFixture(t)
	in := input("Sub", "sub@example.com")
	in.ManagerRef = &f.staff.ID
	sub := mustCreate(t, f.svc, in)

	rr := f.do(&f.root, http.MethodDelete, "/principals/"+f.staff.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(&f.root, http.MethodDelete, "/principals/"+sub.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(&f.root, http.MethodDelete, "/principals/"+f.staff.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHandlerBulkEndpoints(t *testing.T) {
	f := newHandlerFixture(t)

	rr := f.do(&f.root, http.MethodPost, "/principals/bulk", bulkCreateRequest{Items: []CreateInput{
		input("One", "one@example.com"),
		input("Dup", "one@example.com"),
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	created := decode[BulkCreateResult](t, rr)
	require.Len(t, created.Results, 1)
	require.Len(t, created.Errors, 1)
	assert.Equal(t, 1, created.Errors[0].Index)
	assert.Empty(t, created.Errors[0].Item.Secret)

	rr = f.do(&f.root, http.MethodPost, "/principals/bulk-delete", bulkDeleteRequest{IDs: []string{
		created.Results[0].ID.String(), "nope",
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	deleted := decode[BulkDeleteResult](t, rr)
	assert.Equal(t, []uuid.UUID{created.Results[0].ID}, deleted.Deleted)
	require.Len(t, deleted.Failed, 1)
	assert.Equal(t, "nope", deleted.Failed[0].ID)
}

func TestHandlerListPage(t *testing.T) {
	f := newHandlerFixture(t)
	rr := f.do(&f.staff, http.MethodGet, "/principals?limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	page := decode[shared.Page[Principal]](t, rr)
	assert.Len(t, page.Items, 1)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	rr = f.do(&f.staff, http.MethodGet, "/principals?limit=1&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	next := decode[shared.Page[Principal]](t, rr)
	require.Len(t, next.Items, 1)
	assert.NotEqual(t, page.Items[0].ID, next.Items[0].ID)
}

func TestHandlerLoginAndSecretChange(t *testing.T) {
	f := newHandlerFixture(t)

	rr := f.do(nil, http.MethodPost, "/auth/login", loginRequest{Email: "staff@example.com", Secret: "wrong!!"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(nil, http.MethodPost, "/auth/login", loginRequest{Email: "STAFF@example.com", Secret: "s3cret!"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotNil(t, decode[Principal](t, rr).LastAuthenticatedAt)

	path := "/principals/" + f.staff.ID.String() + "/secret"
	rr = f.do(nil, http.MethodPost, path, changeSecretRequest{Current: "s3cret!", Next: "rotated-secret"})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(nil, http.MethodPost, "/auth/login", loginRequest{Email: "staff@example.com", Secret: "rotated-secret"})
	assert.Equal(t, http.StatusOK, rr.Code)
}
