package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/presence/internal/auth"
)

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// Error codes written by RequireAuth.
const (
	ErrCodeAuthRequired = "auth_required"
	ErrCodeTokenExpired = "token_expired"
	ErrCodeInvalidToken = "invalid_token"
	ErrCodeForbidden    = "forbidden"
)

type roleKey struct{}

// RequireAuth rejects requests without a valid bearer token with 401 and
// stores the token subject as the request identity.
func RequireAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, r, ErrCodeAuthRequired, "Missing bearer token")
				return
			}

			claims, err := validator.ValidateAccessToken(token)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					writeAuthError(w, r, ErrCodeTokenExpired, "Token has expired")
					return
				}
				writeAuthError(w, r, ErrCodeInvalidToken, "Invalid token")
				return
			}

			identityID := claims.IdentityID()
			recordIdentity(r.Context(), identityID)
			ctx := SetIdentityID(r.Context(), identityID)
			ctx = context.WithValue(ctx, roleKey{}, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRole returns the role claim of the authenticated token, if any.
func GetRole(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

// RequireRole rejects authenticated requests whose token lacks role with 403.
// It must run inside RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetRole(r.Context()) != role {
				writeError(w, r, http.StatusForbidden, ErrCodeForbidden, "Insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeAuthError writes a 401 with a bearer challenge.
func writeAuthError(w http.ResponseWriter, r *http.Request, code, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="presence"`)
	writeError(w, r, http.StatusUnauthorized, code, message)
}
