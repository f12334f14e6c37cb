package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTResolver_IssueAndResolve(t *testing.T) {
	r := NewJWTResolver("secret")
	token, err := r.Issue(42, "a@b.c", time.Hour)
	require.NoError(t, err)

	id, err := r.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, 42, id.UserID)
	assert.Equal(t, "a@b.c", id.Email)
}

func TestJWTResolver_SubjectFallback(t *testing.T) {
	r := NewJWTResolver("secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "9",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := r.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, 9, id.UserID)
}

func TestJWTResolver_Rejects(t *testing.T) {
	r := NewJWTResolver("secret")
	ctx := context.Background()

	_, err := r.ResolveToken(ctx, "")
	assert.ErrorIs(t, err, ErrAuthentication)

	expired, err := r.Issue(1, "", -time.Minute)
	require.NoError(t, err)
	_, err = r.ResolveToken(ctx, expired)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Contains(t, err.Error(), "token is expired")

	forged, err := NewJWTResolver("other").Issue(1, "", time.Hour)
	require.NoError(t, err)
	_, err = r.ResolveToken(ctx, forged)
	assert.ErrorIs(t, err, ErrAuthentication)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = r.ResolveToken(ctx, anonymous)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sync", nil)
	assert.Equal(t, "", TokenFromRequest(req))

	req.AddCookie(&http.Cookie{Name: AuthCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(req))

	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(req))
}
