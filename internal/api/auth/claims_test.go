package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func sign(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret, "")

	tok := sign(t, testSecret, jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "u1",
		Role:   "admin",
	})

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.True(t, claims.IsAdmin())
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier(testSecret, "")
	tok := sign(t, "another-secret-that-is-long-enough", jwt.SigningMethodHS256, Claims{UserID: "u1"})
	_, err := v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier(testSecret, "")
	tok := sign(t, testSecret, jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		UserID: "u1",
	})
	_, err := v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMissingUserID(t *testing.T) {
	v := NewVerifier(testSecret, "")
	tok := sign(t, testSecret, jwt.SigningMethodHS256, Claims{Role: "admin"})
	_, err := v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyEnforcesIssuer(t *testing.T) {
	v := NewVerifier(testSecret, "cumulus")

	tok := sign(t, testSecret, jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
		UserID:           "u1",
	})
	_, err := v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tok = sign(t, testSecret, jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "cumulus"},
		UserID:           "u1",
	})
	_, err = v.Verify(tok)
	assert.NoError(t, err)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	v := NewVerifier(testSecret, "")

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
