// Package auth validates the bearer/query JWTs presented by both ingress
// paths (WebSocket subscribe and POST /publish) and carries the resolved
// principal on the request context. The token's Role claim is a hint the
// issuer attaches at mint time (see GenerateTestToken); it is never
// substituted for a live check against internal/permissions, which
// remains the sole authority over whether a principal may act on a
// given chat (spec §4.1).
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatbroker/internal/permissions"
)

// Claims is the authenticated principal carried in a validated token.
type Claims struct {
	UserID   string           `json:"userId"`
	Username string           `json:"username"`
	Role     permissions.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Generate creates a new JWT token carrying the principal's issued role
// hint alongside their identity.
func (manager *JWTManager) Generate(userID, username string, role permissions.Role) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(manager.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "chatbroker",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(manager.secretKey)
}

// Verify validates the JWT token and returns the claims
func (manager *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return manager.secretKey, nil
		},
	)

	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ExtractTokenFromHeader extracts JWT token from Authorization header
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}

	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}

// ExtractTokenFromQuery extracts JWT token from query parameter
func ExtractTokenFromQuery(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", errors.New("token query parameter missing")
	}
	return token, nil
}

// WebSocketAuth validates JWT token for WebSocket connections
func (manager *JWTManager) WebSocketAuth(r *http.Request) (*Claims, error) {
	// Try to extract token from query parameter (common for WebSocket)
	token, err := ExtractTokenFromQuery(r)
	if err != nil {
		// Fallback to header
		token, err = ExtractTokenFromHeader(r)
		if err != nil {
			return nil, fmt.Errorf("no valid token found: %w", err)
		}
	}

	return manager.Verify(token)
}

// GenerateTestToken mints a token for manual testing, without user
// validation. Only wired behind Auth.RequireAuth == false. role is
// carried as a claim hint; it grants nothing by itself until the
// caller is also given a matching internal/permissions entry.
func (manager *JWTManager) GenerateTestToken(userID string, role permissions.Role) (string, error) {
	if userID == "" {
		userID = "test-user-123"
	}
	return manager.Generate(userID, userID, role)
}