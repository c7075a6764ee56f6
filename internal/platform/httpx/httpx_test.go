package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{shared.Validation("email", "already in use"), http.StatusBadRequest},
		{shared.NotFound("principal", "x"), http.StatusNotFound},
		{shared.Conflict("has subordinates", nil), http.StatusConflict},
		{shared.ErrInvalidCredentials, http.StatusUnauthorized},
		{shared.Forbidden("escalation"), http.StatusForbidden},
		{shared.Unavailable(errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("kaboom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("password=hunter2"))

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&problem))
	assert.Empty(t, problem.Detail)
	assert.Equal(t, http.StatusInternalServerError, problem.Status)
}

func TestRespondErrorCarriesField(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, shared.Validation("reportCode", "already in use"))

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&problem))
	assert.Equal(t, "reportCode", problem.Field)
	assert.Equal(t, "reportCode: already in use", problem.Detail)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var target struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	err := DecodeJSON(req, &target)
	assert.ErrorIs(t, err, shared.ErrValidation)
}
