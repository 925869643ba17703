package auth

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type mediaClaims struct {
	jwt.RegisteredClaims
	Layer string `json:"l"`
	Field string `json:"f"`
	Kind  string `json:"k"`
	Name  string `json:"n"`
}

// MediaSigner issues and checks the short-lived tokens of image URLs.
type MediaSigner struct {
	secret  string
	ttl     time.Duration
	baseURL string
}

func NewMediaSigner(secret string, ttl time.Duration, baseURL string) *MediaSigner {
	return &MediaSigner{secret: secret, ttl: ttl, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// MediaURL returns a signed URL for one stored file, or "" if signing fails.
func (s *MediaSigner) MediaURL(layer, field, kind, name string) string {
	token, err := s.Sign(layer, field, kind, name)
	if err != nil {
		log.Printf("WARN: sign media url %s.%s: %v", layer, field, err)
		return ""
	}
	return s.baseURL + "/api/media/" + token
}

func (s *MediaSigner) Sign(layer, field, kind, name string) (string, error) {
	now := time.Now()
	claims := mediaClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Layer: layer,
		Field: field,
		Kind:  kind,
		Name:  name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.secret))
	if err != nil {
		return "", fmt.Errorf("sign media token: %w", err)
	}
	return signed, nil
}

func (s *MediaSigner) ParseMediaToken(token string) (layer, field, kind, name string, err error) {
	claims := &mediaClaims{}
	if err := parse(token, s.secret, claims); err != nil {
		return "", "", "", "", err
	}
	return claims.Layer, claims.Field, claims.Kind, claims.Name, nil
}
