package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	jm := NewJWTManager([]byte("0123456789abcdef0123456789abcdef"), "settlement-node")

	token, err := jm.GenerateToken("operator", RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := jm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &JWTClaims{})
	require.NoError(t, err)
	assert.Equal(t, jm.KeyID(), parsed.Header["kid"])

	_, err = jm.GenerateToken("operator", RoleAdmin, 0)
	assert.Error(t, err)
}

func TestJWTManager_Rejects(t *testing.T) {
	jm := NewJWTManager([]byte("0123456789abcdef0123456789abcdef"), "settlement-node")

	t.Run("rotated secret", func(t *testing.T) {
		old := NewJWTManager([]byte("ffffffffffffffffffffffffffffffff"), "settlement-node")
		token, err := old.GenerateToken("operator", RoleAdmin, time.Hour)
		require.NoError(t, err)

		_, err = jm.ValidateToken(token)
		assert.ErrorContains(t, err, "another key")
	})

	t.Run("other issuer", func(t *testing.T) {
		other := NewJWTManager([]byte("0123456789abcdef0123456789abcdef"), "someone-else")
		token, err := other.GenerateToken("operator", RoleAdmin, time.Hour)
		require.NoError(t, err)

		_, err = jm.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		claims := JWTClaims{
			Role: RoleAdmin,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "settlement-node",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		token.Header["kid"] = jm.KeyID()
		signed, err := token.SignedString([]byte("0123456789abcdef0123456789abcdef"))
		require.NoError(t, err)

		_, err = jm.ValidateToken(signed)
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{Role: RoleAdmin})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = jm.ValidateToken(signed)
		assert.Error(t, err)
	})
}

func TestAdminMiddleware(t *testing.T) {
	jm := NewJWTManager([]byte("0123456789abcdef0123456789abcdef"), "settlement-node")

	var subject string
	handler := jm.AdminMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r)
		require.NoError(t, err)
		subject = claims.Subject
		w.WriteHeader(http.StatusOK)
	}))

	call := func(authorization string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/wallets", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Token abc"))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer not-a-jwt"))

	viewer, _ := jm.GenerateToken("viewer", "viewer", time.Hour)
	assert.Equal(t, http.StatusForbidden, call("Bearer "+viewer))

	admin, _ := jm.GenerateToken("operator", RoleAdmin, time.Hour)
	assert.Equal(t, http.StatusOK, call("Bearer "+admin))
	assert.Equal(t, "operator", subject)
}

func TestRequireRoles(t *testing.T) {
	jm := NewJWTManager([]byte("0123456789abcdef0123456789abcdef"), "settlement-node")
	handler := jm.RequireRoles(RoleAdmin, RoleService)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(role string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/rewards", nil)
		if role != "" {
			token, err := jm.GenerateToken("backend", role, time.Hour)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusForbidden, call("viewer"))
	assert.Equal(t, http.StatusOK, call(RoleService))
	assert.Equal(t, http.StatusOK, call(RoleAdmin))

	assert.True(t, ValidRole(RoleService))
	assert.False(t, ValidRole("viewer"))
}
