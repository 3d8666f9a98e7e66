package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserID = "3c0f9a77-2b61-4f0e-8d0a-7c3e5b1a9e42"

func TestGenerateAndParse_Success(t *testing.T) {
	t.Parallel()
	secret := []byte("super-secret")

	tok, err := GenerateToken(testUserID, "ana@example.com", secret, time.Hour)
	require.NoError(t, err)

	got, err := GetUserIDFromToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, testUserID, got)
}

func TestGetUserIDFromToken_Expired(t *testing.T) {
	t.Parallel()
	secret := []byte("secret")

	tok, err := GenerateToken(testUserID, "", secret, -time.Minute)
	require.NoError(t, err)

	_, err = GetUserIDFromToken(tok, secret)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestGetUserIDFromToken_WrongSecret(t *testing.T) {
	t.Parallel()
	tok, err := GenerateToken(testUserID, "", []byte("right-secret"), time.Hour)
	require.NoError(t, err)

	_, err = GetUserIDFromToken(tok, []byte("wrong-secret"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGetUserIDFromToken_Rejects(t *testing.T) {
	t.Parallel()
	secret := []byte("k")

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: testUserID, Audience: jwt.ClaimStrings{Audience},
	}}).SignedString(secret)
	require.NoError(t, err)

	anon, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: testUserID, Audience: jwt.ClaimStrings{"anon"}, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString(secret)
	require.NoError(t, err)

	badSub, err := GenerateToken("service", "", secret, time.Hour)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"malformed":      "not.a.jwt",
		"no expiry":      noExp,
		"wrong audience": anon,
		"non uuid sub":   badSub,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := GetUserIDFromToken(tok, secret)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifier_UserID(t *testing.T) {
	t.Parallel()
	v := NewVerifier("secret")
	tok, err := GenerateToken(testUserID, "", []byte("secret"), time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/payment-status", nil)
	_, err = v.UserID(r)
	assert.True(t, errors.Is(err, ErrMissingToken))

	r.Header.Set("Authorization", "Basic abc")
	_, err = v.UserID(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "bearer "+tok)
	got, err := v.UserID(r)
	require.NoError(t, err)
	assert.Equal(t, testUserID, got)
}

func TestVerifier_SessionUserID(t *testing.T) {
	t.Parallel()
	v := NewVerifier("secret")
	tok, err := GenerateToken(testUserID, "", []byte("secret"), time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/lists", nil)
	_, err = v.SessionUserID(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: tok})
	got, err := v.SessionUserID(r)
	require.NoError(t, err)
	assert.Equal(t, testUserID, got)

	// the header wins over the cookie
	r.Header.Set("Authorization", "Bearer garbage")
	_, err = v.SessionUserID(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserIDContext(t *testing.T) {
	t.Parallel()
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	id, ok := UserIDFromContext(WithUserID(context.Background(), testUserID))
	assert.True(t, ok)
	assert.Equal(t, testUserID, id)
}
