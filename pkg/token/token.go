package token

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleType set member role
type RoleType string

const (
	// RoleAdmin campus administrator
	RoleAdmin RoleType = "admin"
	// RoleStudent default portal user
	RoleStudent RoleType = "student"
	// RoleVendor canteen or marketplace seller
	RoleVendor RoleType = "vendor"
)

// ErrInvalidToken token failed validation
var ErrInvalidToken = errors.New("invalid token")

// Claims structure for custom claims in JWT
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

var (
	mu              sync.RWMutex
	jwtSecret       = []byte("secure_secret_key")
	tokenExpiration = 60 * time.Minute
)

// Configure sets the signing secret and lifetime, empty/zero keeps the current value
func Configure(secret string, ttl time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if secret != "" {
		jwtSecret = []byte(secret)
	}
	if ttl > 0 {
		tokenExpiration = ttl
	}
}

// Expiration current token lifetime
func Expiration() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return tokenExpiration
}

func secret() []byte {
	mu.RLock()
	defer mu.RUnlock()
	return jwtSecret
}

// GenerateJWT generates a JWT token
func GenerateJWT(userID, role, issuer string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(Expiration())),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

// ParseJWT parses a JWT and extracts the Claims
func ParseJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Check if the signing method is HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret(), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// StripBearer removes the "Bearer " prefix of an Authorization header
func StripBearer(t string) string {
	if len(t) >= 7 && t[:7] == "Bearer " {
		return t[7:]
	}
	return t
}
