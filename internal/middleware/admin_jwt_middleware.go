package middleware

import (
	"net/http"

	"kiroproxy/internal/auth"
	"kiroproxy/internal/utils"
)

// AdminJWT guards management endpoints. When no admin password is configured
// the proxy is a single-operator localhost tool and the surface stays open.
// Otherwise a valid admin session token with at least minRole is required.
func AdminJWT(jwtSecret []byte, adminPassword string, minRole auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, err := utils.ParseBearer(r.Header.Get("Authorization"))
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}

			role, err := auth.ValidateAdminJWT(token, jwtSecret)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !role.HasPermission(minRole) {
				utils.RespondWithError(w, http.StatusForbidden, "insufficient role")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
