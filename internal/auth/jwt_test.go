package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidateJWT(t *testing.T) {
	a := New("secret")

	token, err := a.GenerateJWT("alice", RoleVoter, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := a.ValidateJWT(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != RoleVoter {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := New("other").ValidateJWT(token); err == nil {
		t.Fatalf("token signed with another secret was accepted")
	}
}

func TestValidateJWTRejectsExpiredAndNoneAlg(t *testing.T) {
	a := New("secret")

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := a.ValidateJWT(signed); err == nil {
		t.Fatalf("expired token accepted")
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := a.ValidateJWT(raw); err == nil {
		t.Fatalf("unsigned token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	a := New("secret")
	voter, _ := a.GenerateJWT("bob", RoleVoter, time.Hour)
	admin, _ := a.GenerateJWT("root", RoleAdmin, time.Hour)

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(SubjectFromRequest(r)))
	})

	tests := []struct {
		name    string
		handler http.Handler
		token   string
		status  int
		body    string
	}{
		{name: "auth without token", handler: a.RequireAuth(echo), status: http.StatusUnauthorized},
		{name: "auth with token", handler: a.RequireAuth(echo), token: voter, status: http.StatusOK, body: "bob"},
		{name: "admin with voter token", handler: a.IsAdmin(echo), token: voter, status: http.StatusForbidden},
		{name: "admin with admin token", handler: a.IsAdmin(echo), token: admin, status: http.StatusOK, body: "root"},
		{name: "garbage token", handler: a.RequireWrite(echo), token: "abc", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestDisabledAuthenticator(t *testing.T) {
	a := New("  ")
	if a.Enabled() {
		t.Fatalf("blank secret should disable auth")
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	a.RequireAuth(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reads should pass through, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.RequireWrite(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("writes should be disabled, got %d", rec.Code)
	}

	if _, err := a.GenerateJWT("x", RoleVoter, 0); err == nil {
		t.Fatalf("generate without secret should fail")
	}
}
