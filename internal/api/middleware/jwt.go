package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// Roles the node issues tokens for. Operators hold admin, the conversation
// backend reporting completed conversations holds service.
const (
	RoleAdmin   = "admin"
	RoleService = "service"
)

// ValidRole reports whether role is one the node issues
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleService
}

type contextKey string

const claimsKey contextKey = "claims"

// JWTClaims represents the claims stored in admin tokens
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager handles JWT token generation and validation
type JWTManager struct {
	secretKey []byte
	keyID     string
	issuer    string
}

// NewJWTManager creates a new JWT manager. Tokens carry a key id derived
// from the secret so a rotated secret rejects old tokens with a clear error.
func NewJWTManager(secretKey []byte, issuer string) *JWTManager {
	return &JWTManager{
		secretKey: secretKey,
		keyID:     utils.Fingerprint(secretKey),
		issuer:    issuer,
	}
}

// KeyID returns the fingerprint placed in the token header
func (jm *JWTManager) KeyID() string {
	return jm.keyID
}

// GenerateToken creates a signed token for subject with the given role
func (jm *JWTManager) GenerateToken(subject, role string, duration time.Duration) (string, error) {
	if duration <= 0 {
		return "", errors.New("token duration must be positive")
	}

	now := time.Now()
	claims := JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jm.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = jm.keyID
	return token.SignedString(jm.secretKey)
}

// ValidateToken validates a JWT token and returns the claims
func (jm *JWTManager) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if kid, _ := token.Header["kid"].(string); kid != jm.keyID {
			return nil, fmt.Errorf("token was signed with another key (%q)", kid)
		}
		return jm.secretKey, nil
	}, jwt.WithIssuer(jm.issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %v", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// AdminMiddleware only lets requests with a valid admin token through
func (jm *JWTManager) AdminMiddleware(next http.Handler) http.Handler {
	return jm.RequireRoles(RoleAdmin)(next)
}

// RequireRoles only lets requests through whose valid token carries one of
// roles
func (jm *JWTManager) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := BearerToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			claims, err := jm.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			if !slices.Contains(roles, claims.Role) {
				http.Error(w, fmt.Sprintf("Role %s required", strings.Join(roles, " or ")), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("Missing Authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("Invalid Authorization header format")
	}
	return parts[1], nil
}

// GetClaims retrieves JWT claims from the request context
func GetClaims(r *http.Request) (*JWTClaims, error) {
	claims, ok := r.Context().Value(claimsKey).(*JWTClaims)
	if !ok {
		return nil, fmt.Errorf("no claims found in context")
	}
	return claims, nil
}
