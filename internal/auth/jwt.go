// Package auth guards the HTTP API with HMAC-signed JWTs.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing or malformed Authorization header")
	ErrInvalidToken = errors.New("invalid token")
)

const (
	RoleAdmin = "admin"
	RoleVoter = "voter"
)

type contextKey struct{}

// Claims identifies the caller of an API request. Subject is the voter
// identity recorded on votes and domain changes.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

// New returns an authenticator for secret. An empty secret disables
// authentication and every mutating route.
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(strings.TrimSpace(secret))}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// GenerateJWT signs a token for subject, mostly for operators and tests.
func (a *Authenticator) GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("auth: no signing secret configured")
	}

	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authenticator) ValidateJWT(raw string) (*Claims, error) {
	if !a.Enabled() {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid bearer token. With
// authentication disabled requests pass through anonymously.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.extractClaims(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}

// RequireWrite guards mutating routes. They are unavailable while
// authentication is disabled.
func (a *Authenticator) RequireWrite(next http.Handler) http.Handler {
	guarded := a.RequireAuth(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			http.Error(w, "API writes are disabled", http.StatusServiceUnavailable)
			return
		}
		guarded.ServeHTTP(w, r)
	})
}

// IsAdmin additionally requires the admin role.
func (a *Authenticator) IsAdmin(next http.Handler) http.Handler {
	return a.RequireWrite(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Role != RoleAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// SubjectFromRequest returns the authenticated subject or "".
func SubjectFromRequest(r *http.Request) string {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.Subject
}

func (a *Authenticator) extractClaims(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrMissingToken
	}
	return a.ValidateJWT(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}
