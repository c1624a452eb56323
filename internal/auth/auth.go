// Package auth mints and verifies the HS256 bearer tokens the gateway expects.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the tenant next to the standard claims.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Principal is the caller identified by a verified token.
type Principal struct {
	Subject  string
	TenantID string
}

// DevToken signs a token for tenantID/subject. A zero ttl yields a token
// without expiry, like the gateway's development token.
func DevToken(secret, tenantID, subject string, ttl time.Duration) (string, error) {
	return sign(secret, tenantID, subject, ttl, time.Now())
}

func sign(secret, tenantID, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if tenantID == "" {
		return "", errors.New("tenant_id required")
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	claims := Claims{
		TenantID:         tenantID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	if ttl > 0 {
		claims.IssuedAt = jwt.NewNumericDate(now)
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verify parses token and checks its signature, expiry and subject.
func Verify(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Subject: claims.Subject, TenantID: claims.TenantID}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
