package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenTTL is the lifetime of tokens issued by Issue.
const TokenTTL = 7 * 24 * time.Hour

// Identity is the verified caller. The billing code trusts it as given.
type Identity struct {
	UserID   string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type claims struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 tokens from the Authorization header or the
// session cookie.
type TokenVerifier struct {
	secret     []byte
	cookieName string
	now        func() time.Time
}

func NewTokenVerifier(secret, cookieName string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), cookieName: cookieName, now: time.Now}
}

// Issue signs a token for id. Used by the CLI and tests; the login flow
// lives outside this service.
func (v *TokenVerifier) Issue(id Identity) (string, error) {
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ID:       id.UserID,
		Email:    id.Email,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a raw token.
func (v *TokenVerifier) Verify(raw string) (*Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return &Identity{UserID: c.ID, Email: c.Email, Username: c.Username}, nil
}

// FromRequest reads a bearer token first and falls back to the cookie.
func (v *TokenVerifier) FromRequest(r *http.Request) (*Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return nil, ErrInvalidToken
		}
		return v.Verify(strings.TrimSpace(token))
	}
	if v.cookieName != "" {
		if c, err := r.Cookie(v.cookieName); err == nil && c.Value != "" {
			return v.Verify(c.Value)
		}
	}
	return nil, ErrMissingToken
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
