// Package auth extracts the upstream-authenticated user identity from
// requests. Authentication itself is solved upstream (gateway session); this
// middleware only surfaces who the user is for acknowledgment and preference
// persistence.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyIdentity ctxKey = "commerce.identity"

// Identity is the extracted user identity for the request.
type Identity struct {
	UserID string
	Email  string
}

// FromContext returns the Identity stored in the request context, or nil.
func FromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(ctxKeyIdentity).(*Identity); ok {
		return id
	}
	return nil
}

// UserID returns the authenticated user id, or "" when anonymous.
func UserID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}

// NewMiddleware returns middleware that reads the session JWT from the
// Authorization header and places the subject claim into the request context.
// When secret is non-empty the token signature is verified (HS256) and an
// invalid token is rejected; with an empty secret the gateway is trusted and
// claims are extracted without local verification.
func NewMiddleware(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			var (
				token *jwt.Token
				err   error
			)
			parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
			if secret != "" {
				token, err = parser.Parse(raw, func(t *jwt.Token) (interface{}, error) {
					return []byte(secret), nil
				})
				if err != nil || !token.Valid {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
			} else {
				token, _, err = parser.ParseUnverified(raw, jwt.MapClaims{})
				if err != nil {
					next.ServeHTTP(w, r)
					return
				}
			}

			identity := &Identity{}
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if sub, err := claims.GetSubject(); err == nil {
					identity.UserID = sub
				}
				if email, ok := claims["email"].(string); ok {
					identity.Email = email
				}
			}
			if identity.UserID == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}
