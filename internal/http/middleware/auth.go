package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/diagnosis/counsel-portal/pkg/auth"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/google/uuid"
)

type ctxKey string

const CtxClaims ctxKey = "claims"

func bearer(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}

func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	ctx := context.WithValue(r.Context(), CtxClaims, claims)
	ctx = context.WithValue(ctx, logger.UserIDKey, claims.UserID())
	return r.WithContext(ctx)
}

// RequireJWT rejects requests without a valid portal access token.
func RequireJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearer(r)
			if raw == "" {
				response.Unauthorized(w, "invalid authorization header")
				return
			}
			claims, err := auth.Parse(raw, secret)
			if err != nil {
				response.WriteError(w, http.StatusUnauthorized, "invalid authorization token", response.CodeInvalidToken)
				return
			}
			next.ServeHTTP(w, withClaims(r, claims))
		})
	}
}

// OptionalJWT attaches claims when a valid token is present and otherwise
// lets the request through anonymously.
func OptionalJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := bearer(r); raw != "" {
				if claims, err := auth.Parse(raw, secret); err == nil {
					r = withClaims(r, claims)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin must run after RequireJWT.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := Claims(r)
		if c == nil {
			response.Unauthorized(w, "authentication required")
			return
		}
		if !c.IsAdmin() {
			response.Forbidden(w, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func Claims(r *http.Request) *auth.Claims {
	if v := r.Context().Value(CtxClaims); v != nil {
		if c, ok := v.(*auth.Claims); ok {
			return c
		}
	}
	return nil
}

// UserID returns the authenticated user's id, if any.
func UserID(r *http.Request) (uuid.UUID, bool) {
	c := Claims(r)
	if c == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(c.UserID())
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Identify is the rate-limit identity: the user id when signed in.
func Identify(r *http.Request) string {
	if c := Claims(r); c != nil {
		return c.UserID()
	}
	return ""
}
