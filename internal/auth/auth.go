package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"layer-engine/internal/metadata"
)

// Claims represents the JWT claims of an API caller. Tokens are issued by
// the identity provider fronting the engine; only the shared secret is
// known here.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
	Roles    []string `json:"roles"`
}

// User converts the claims into the request actor.
func (c *Claims) User() *metadata.UserContext {
	name := c.Username
	if name == "" {
		name = c.Subject
	}
	return &metadata.UserContext{
		ID:       c.Subject,
		Username: name,
		Groups:   c.Groups,
		Roles:    c.Roles,
	}
}

// GenerateAccessToken creates a signed JWT for user.
func GenerateAccessToken(user *metadata.UserContext, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: user.Username,
		Groups:   user.Groups,
		Roles:    user.Roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken validates and parses a JWT, returning the claims.
func ParseAccessToken(tokenStr string, secret string) (*Claims, error) {
	claims := &Claims{}
	if err := parse(tokenStr, secret, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func parse(tokenStr, secret string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token claims")
	}
	return nil
}
