package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiroproxy/internal/auth"
)

func protected(t *testing.T, secret []byte, password string, minRole auth.Role) http.Handler {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return AdminJWT(secret, password, minRole)(next)
}

func TestAdminJWTOpenWithoutPassword(t *testing.T) {
	h := protected(t, []byte("secret"), "", auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminJWTRequiresToken(t *testing.T) {
	h := protected(t, []byte("secret"), "hunter2", auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminJWTAcceptsValidToken(t *testing.T) {
	secret := []byte("secret")
	token, _, err := auth.GenerateAdminJWT(auth.RoleAdmin, secret)
	require.NoError(t, err)

	h := protected(t, secret, "hunter2", auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminJWTEnforcesRole(t *testing.T) {
	secret := []byte("secret")
	token, _, err := auth.GenerateAdminJWT(auth.RoleViewer, secret)
	require.NoError(t, err)

	h := protected(t, secret, "hunter2", auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
