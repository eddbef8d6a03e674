// Package auth guards the read API with an optional JWT bearer check,
// adapted from the teacher's internal/auth/jwt.go. This process only
// verifies tokens — operators provision and sign them out of band — so
// unlike the teacher there is no Generate/issuer flow here.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates bearer tokens against a shared secret.
type Verifier struct {
	secretKey []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secretKey: []byte(secret)}
}

// Verify parses and validates tokenString, returning its registered
// claims.
func (v *Verifier) Verify(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ExtractBearer pulls the token out of an Authorization: Bearer header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("authorization header missing or malformed")
	}
	return strings.TrimPrefix(header, prefix), nil
}
