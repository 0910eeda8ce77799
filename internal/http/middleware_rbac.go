package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/tc-dynconf/configchange/internal/security"
)

type claimsKey struct{}

func claimsFrom(r *http.Request) (*security.Claims, bool) {
	c, ok := r.Context().Value(claimsKey{}).(*security.Claims)
	return c, ok
}

func bearerToken(r *http.Request) string {
	ah := strings.TrimSpace(r.Header.Get("Authorization"))
	if ah == "" {
		return ""
	}
	i := strings.IndexByte(ah, ' ')
	if i <= 0 || !strings.EqualFold(ah[:i], "Bearer") {
		return ""
	}
	return strings.TrimSpace(ah[i+1:])
}

// RequireRole authenticates the bearer token against v and rejects the
// request unless its role satisfies min (protocol §6: discover is
// read-only, prepare/commit/rollback/take_over are mutative).
func RequireRole(v *security.Verifier, min security.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", 1900)
				return
			}
			claims, err := v.Verify(raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token", 1900)
				return
			}
			if !claims.Role.Allows(min) {
				WriteError(w, http.StatusForbidden, "forbidden", "role insufficient for this operation", 1902)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
