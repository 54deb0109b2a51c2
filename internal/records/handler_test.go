package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/registry-resilience/internal/dberr"
)

func TestHandler(t *testing.T) {
	h := newTestStore(t, newRegistryBackend()).Handler()

	cases := []struct {
		name string
		path string
		code int
		want string
	}{
		{"list residents", "/residents?status=active", http.StatusOK, `"first_name":"Luis"`},
		{"get resident", "/residents/10", http.StatusOK, `"last_name":"Cruz"`},
		{"missing resident", "/residents/99", http.StatusNotFound, "record not found"},
		{"bad resident id", "/residents/abc", http.StatusBadRequest, "invalid resident id"},
		{"households", "/households?limit=1", http.StatusOK, `"household_number":"HH-001"`},
		{"bad limit", "/households?limit=-1", http.StatusBadRequest, "invalid limit"},
		{"members", "/households/2/members", http.StatusOK, `"first_name":"Carla"`},
		{"dashboard", "/dashboard", http.StatusOK, `"residents":4`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tc.want)
			assert.True(t, json.Valid(rec.Body.Bytes()))
		})
	}
}

func TestHandler_BackendFailure(t *testing.T) {
	b := newRegistryBackend()
	b.failing[HouseholdsTable+fmt.Sprint(map[string]any(nil))] = errors.New("connection refused")
	h := newTestStore(t, b).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/households", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "query_failed")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", ErrNotFound)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(dberr.New(dberr.KindPoolExhausted, "pool.get", "restricted", nil)))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(dberr.New(dberr.KindQueryTimeout, "q", "", nil)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
