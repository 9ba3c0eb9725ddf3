package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate("user-1", "Ada")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	p, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if p.Subject != "user-1" {
		t.Fatalf("expected subject, got %q", p.Subject)
	}
	if p.Name != "Ada" {
		t.Fatalf("expected name, got %q", p.Name)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", time.Minute)
	other := NewJWTService("other", time.Minute)
	foreign, _ := other.Generate("user-1", "")

	expired := NewJWTService("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, _ := expired.Generate("user-1", "")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "switchboard"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"expired", stale},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("got %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTServiceDisabled(t *testing.T) {
	service := NewJWTService("", time.Hour)
	if service.Enabled() {
		t.Fatal("expected disabled service")
	}
	if _, err := service.Generate("user-1", ""); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Generate: got %v, want ErrAuthDisabled", err)
	}
	if _, err := service.Generate("", ""); err == nil {
		t.Error("expected error")
	}
}

func TestMiddleware(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, _ := service.Generate("user-1", "")

	var seen *Principal
	handler := Middleware(service, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"lowercase scheme", "bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status: got %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && (seen == nil || seen.Subject != "user-1") {
				t.Errorf("principal: got %+v", seen)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	called := false
	handler := Middleware(NewJWTService("", 0), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/chat", nil))
	if !called {
		t.Fatal("expected handler to run without auth")
	}
}
