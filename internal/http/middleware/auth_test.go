package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/auth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-secret"

func token(t *testing.T, role string) (string, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	tok, err := auth.NewAccessToken(id.String(), "user@example.com", role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok, id
}

func TestRequireJWT(t *testing.T) {
	var seen uuid.UUID
	h := RequireJWT(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_TOKEN")

	tok, id := token(t, auth.RoleClient)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, id, seen)
}

func TestRequireAdmin(t *testing.T) {
	h := RequireJWT(testSecret)(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	client, _ := token(t, auth.RoleClient)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+client)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	admin, _ := token(t, auth.RoleAdmin)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOptionalJWT(t *testing.T) {
	var identity string
	h := OptionalJWT(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity = Identify(r)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Empty(t, identity)

	tok, id := token(t, auth.RoleClient)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, id.String(), identity)
}
