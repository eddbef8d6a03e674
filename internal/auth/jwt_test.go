package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerify_AcceptsValidToken(t *testing.T) {
	v := NewVerifier("topsecret")
	token := signToken(t, "topsecret", jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	v := NewVerifier("topsecret")
	token := signToken(t, "wrongsecret", jwt.RegisteredClaims{Subject: "operator"})

	_, err := v.Verify(token)
	assert.Error(t, err)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	v := NewVerifier("topsecret")
	token := signToken(t, "topsecret", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})

	_, err := v.Verify(token)
	assert.Error(t, err)
}

func TestVerify_RejectsNonHMACAlgorithm(t *testing.T) {
	v := NewVerifier("topsecret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "operator"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err)
}

func TestExtractBearer_ParsesHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/packets/stuck", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")

	token, err := ExtractBearer(req)
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}

func TestExtractBearer_RejectsMissingHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/packets/stuck", nil)
	require.NoError(t, err)

	_, err = ExtractBearer(req)
	assert.Error(t, err)
}

func TestExtractBearer_RejectsMalformedHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/packets/stuck", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic abc123")

	_, err = ExtractBearer(req)
	assert.Error(t, err)
}
