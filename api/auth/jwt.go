// Package auth verifies Supabase session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Audience is the aud claim Supabase puts on signed-in user sessions.
const Audience = "authenticated"

// Claims are the Supabase access token claims used here. The user id is the subject.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// GenerateToken signs a session token the way Supabase does (HS256, sub = user id).
func GenerateToken(userID, email string, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		Email: email,
		Role:  Audience,
	})
	return token.SignedString(secretKey)
}

// GetUserIDFromToken validates tokenString against the project JWT secret and returns its subject.
func GetUserIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// SessionCookie carries the access token on browser page loads, which send no Authorization header.
const SessionCookie = "sb-access-token"

// Verifier authenticates HTTP requests with a fixed secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier { return &Verifier{secret: []byte(secret)} }

// UserID returns the authenticated user of r.
func (v *Verifier) UserID(r *http.Request) (string, error) {
	token, err := BearerToken(r)
	if err != nil {
		return "", err
	}
	return GetUserIDFromToken(token, v.secret)
}

// SessionUserID is UserID with a fallback to the session cookie.
func (v *Verifier) SessionUserID(r *http.Request) (string, error) {
	if token, err := BearerToken(r); err == nil {
		return GetUserIDFromToken(token, v.secret)
	}
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return "", ErrMissingToken
	}
	return GetUserIDFromToken(c.Value, v.secret)
}

type ctxKey string

const userIDKey ctxKey = "userID"

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the user id stored by WithUserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}
