// internal/agents/middleware.go
package agents

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"covernexus/internal/httpx"
)

type ctxKey struct{}

// ClaimsFromContext returns the claims placed by Authenticate.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// WithClaims stores claims on ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// Authenticate rejects requests without a valid bearer token.
func (tm *TokenManager) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := tm.Parse(httpx.BearerToken(r))
		if err != nil {
			httpx.WriteError(w, nil, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// MaybeAuthenticate attaches claims when a valid token is present and lets
// anonymous requests through. A present but invalid token is still rejected.
func (tm *TokenManager) MaybeAuthenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := httpx.BearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := tm.Parse(token)
		if err != nil {
			httpx.WriteError(w, nil, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole must run after Authenticate. Admins pass every role check.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				httpx.WriteError(w, nil, ErrInvalidToken)
				return
			}
			if claims.Role != RoleAdmin && !contains(roles, claims.Role) {
				httpx.WriteError(w, nil, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMember must run after Authenticate. It admits only member tokens;
// staff reach member data through the staff routes.
func RequireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			httpx.WriteError(w, nil, ErrInvalidToken)
			return
		}
		if claims.Role != RoleMember || claims.MemberID == uuid.Nil {
			httpx.WriteError(w, nil, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsStaff reports whether c belongs to an agent or admin.
func (c *Claims) IsStaff() bool {
	return c != nil && (c.Role == RoleAgent || c.Role == RoleAdmin)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
