package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"3tcapital/ms_nfse_emissor/internal/infrastructure/config"
	"3tcapital/ms_nfse_emissor/internal/testutil"
)

const testIssuer = "https://issuer.example.com"

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestNewJWTAuthenticator_AuthDisabled(t *testing.T) {
	auth, err := NewJWTAuthenticator(config.AuthSettings{Enabled: false}, testutil.NewNullLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth == nil {
		t.Fatal("expected authenticator to be created, got nil")
	}

	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	// Should not panic
	auth.Close()
}

func TestNewJWTAuthenticator_AuthEnabled_InvalidJWKSetURI(t *testing.T) {
	cfg := config.AuthSettings{
		Enabled:   true,
		IssuerURI: testIssuer,
		JWKSetURI: "invalid-uri",
	}
	if _, err := NewJWTAuthenticator(cfg, testutil.NewNullLogger()); err == nil {
		t.Fatal("expected error for invalid JWKSetURI")
	}
}

func TestJWTAuthenticator_Middleware(t *testing.T) {
	key := newSigningKey(t)
	otherKey := newSigningKey(t)

	cfg := config.AuthSettings{
		Enabled:     true,
		IssuerURI:   testIssuer,
		ClockSkew:   time.Minute,
		BypassPaths: []string{"/health", "/webhooks/"},
	}
	auth := NewJWTAuthenticatorWithKeyfunc(cfg, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, testutil.NewNullLogger())

	var subject string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	valid := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "operator@loja",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := valid
	wrongIssuer.Issuer = "https://evil.example.com"

	tests := []struct {
		name        string
		path        string
		header      string
		wantStatus  int
		wantSubject string
	}{
		{name: "valid token", path: "/api/v1/emissions/stats", header: "Bearer " + signToken(t, key, valid), wantStatus: http.StatusOK, wantSubject: "operator@loja"},
		{name: "missing header", path: "/api/v1/emissions/stats", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", path: "/api/v1/emissions/stats", header: "Bearer invalid.token.here", wantStatus: http.StatusUnauthorized},
		{name: "expired token", path: "/api/v1/emissions/stats", header: "Bearer " + signToken(t, key, expired), wantStatus: http.StatusUnauthorized},
		{name: "wrong issuer", path: "/api/v1/emissions/stats", header: "Bearer " + signToken(t, key, wrongIssuer), wantStatus: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/v1/emissions/stats", header: "Bearer " + signToken(t, otherKey, valid), wantStatus: http.StatusUnauthorized},
		{name: "exact bypass", path: "/health", wantStatus: http.StatusOK},
		{name: "prefix bypass", path: "/webhooks/woocommerce", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if subject != tt.wantSubject {
				t.Errorf("expected subject %q, got %q", tt.wantSubject, subject)
			}
		})
	}
}

func TestJWTAuthenticator_shouldBypass(t *testing.T) {
	auth := newAuthenticator(config.AuthSettings{
		BypassPaths: []string{"/health", "/metrics", "/webhooks/"},
	}, testutil.NewNullLogger())

	tests := []struct {
		path     string
		expected bool
	}{
		{"/health", true},
		{"/metrics", true},
		{"/webhooks/woocommerce", true},
		{"/webhooks", false},
		{"/api/test", false},
		{"/health/status", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if result := auth.shouldBypass(tt.path); result != tt.expected {
				t.Errorf("expected shouldBypass(%q)=%v, got %v", tt.path, tt.expected, result)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		expectedTok string
		expectedErr bool
	}{
		{name: "empty header", header: "", expectedErr: true},
		{name: "no Bearer prefix", header: "token123", expectedErr: true},
		{name: "invalid format - no space", header: "Bearertoken", expectedErr: true},
		{name: "invalid format - too many parts", header: "Bearer token extra", expectedErr: true},
		{name: "valid Bearer token", header: "Bearer token123", expectedTok: "token123"},
		{name: "valid Bearer token - case insensitive", header: "bearer token123", expectedTok: "token123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := extractBearerToken(tt.header)
			if tt.expectedErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if token != tt.expectedTok {
				t.Errorf("expected token %q, got %q", tt.expectedTok, token)
			}
		})
	}
}
