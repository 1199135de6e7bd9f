package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gemscan/internal/config"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, sub string) string {
	t.Helper()
	claims := jwtlib.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func adminServer(secret string) *Server {
	return &Server{cfg: &config.Config{AdminJWTSecret: secret}}
}

func TestVerifyAdminTokenRoundTrip(t *testing.T) {
	s := adminServer("sekrit")
	r := httptest.NewRequest("POST", "/admin/ingest/demo", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "sekrit", "ops@example.com"))

	sub, err := s.verifyAdminToken(r)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "ops@example.com" {
		t.Fatalf("sub %q", sub)
	}
}

func TestVerifyAdminTokenRejectsWrongSecret(t *testing.T) {
	s := adminServer("sekrit")
	r := httptest.NewRequest("POST", "/admin/ingest/demo", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "other", "ops"))

	if _, err := s.verifyAdminToken(r); err == nil {
		t.Fatal("token signed with the wrong secret accepted")
	}
}

func TestVerifyAdminTokenRejectsMissingSub(t *testing.T) {
	s := adminServer("sekrit")
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("sekrit"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	r := httptest.NewRequest("POST", "/admin/ingest/demo", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	if _, err := s.verifyAdminToken(r); err == nil {
		t.Fatal("token without sub accepted")
	}
}

func TestVerifyAdminTokenRejectsMissingHeader(t *testing.T) {
	s := adminServer("sekrit")
	r := httptest.NewRequest("POST", "/admin/ingest/demo", nil)
	if _, err := s.verifyAdminToken(r); err == nil {
		t.Fatal("request without Authorization accepted")
	}
}

func TestAdminAuthMiddlewareDisabledWithoutSecret(t *testing.T) {
	s := adminServer("")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached with admin surface disabled")
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/admin/ingest/demo", nil)
	s.adminAuthMiddleware(next).ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", w.Code)
	}
}

func TestAdminAuthMiddlewarePassesValidToken(t *testing.T) {
	s := adminServer("sekrit")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/admin/ingest/demo", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "sekrit", "ops"))
	s.adminAuthMiddleware(next).ServeHTTP(w, r)

	if !called || w.Code != http.StatusAccepted {
		t.Fatalf("called=%t status=%d", called, w.Code)
	}
}

func TestAdminAuthMiddlewareRejectsBadToken(t *testing.T) {
	s := adminServer("sekrit")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached with a bad token")
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/admin/ingest/demo", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	s.adminAuthMiddleware(next).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
}
