package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acumenpress/commerce/internal/auth"
)

func signedToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"email": "ada@example.com",
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func echoUserHandler(captured *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = auth.UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareExtractsSubject(t *testing.T) {
	var userID string
	handler := auth.NewMiddleware("secret")(echoUserHandler(&userID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "secret", "user-42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", userID)
}

func TestMiddlewareRejectsBadSignature(t *testing.T) {
	var userID string
	handler := auth.NewMiddleware("secret")(echoUserHandler(&userID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "wrong-secret", "user-42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAnonymousPassesThrough(t *testing.T) {
	var userID string
	handler := auth.NewMiddleware("secret")(echoUserHandler(&userID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", userID)
}

func TestMiddlewareTrustsGatewayWithoutSecret(t *testing.T) {
	var userID string
	handler := auth.NewMiddleware("")(echoUserHandler(&userID))

	// signed with a key this service never sees; claims are still extracted
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "gateway-key", "user-7"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", userID)
}

func TestFromContextOutsideMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, auth.FromContext(req.Context()))
	assert.Equal(t, "", auth.UserID(req.Context()))
}
