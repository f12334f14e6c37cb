package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthCookie is the cookie the web client stores its session token in.
const AuthCookie = "auth"

var ErrAuthentication = errors.New("authentication failed")

// Identity is the user a token resolves to.
type Identity struct {
	UserID int
	Email  string
}

// TokenResolver turns a bearer token into an identity.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (*Identity, error)
}

// Claims represents the JWT claims. The user id is carried in "id", with
// "sub" accepted as a fallback.
type Claims struct {
	Email  string `json:"email,omitempty"`
	UserID int    `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HMAC signed tokens.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) ResolveToken(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuthentication)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		userID, _ = strconv.Atoi(claims.Subject)
	}
	if userID <= 0 {
		return nil, fmt.Errorf("%w: token has no user id", ErrAuthentication)
	}
	return &Identity{UserID: userID, Email: claims.Email}, nil
}

// Issue signs a token for userID. Used by tooling and tests; the platform
// issues the tokens real clients present.
func (r *JWTResolver) Issue(userID int, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:  email,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the auth cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(AuthCookie); err == nil {
		return c.Value
	}
	return ""
}
