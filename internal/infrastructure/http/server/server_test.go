package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"3tcapital/ms_nfse_emissor/internal/infrastructure/config"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/http/middleware"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/metrics"
	"3tcapital/ms_nfse_emissor/internal/testutil"
)

type okRoutes struct{ body string }

func (o okRoutes) Register(r chi.Router) {
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(o.body))
	})
}

type emissionRoutes struct {
	deadline *time.Time
}

func (e emissionRoutes) Register(r chi.Router, batch func(http.Handler) http.Handler) {
	r.With(batch).Post("/batch", func(w http.ResponseWriter, req *http.Request) {
		*e.deadline, _ = req.Context().Deadline()
		w.WriteHeader(http.StatusOK)
	})
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})
}

func baseConfig() config.AppConfig {
	return config.AppConfig{
		HTTP: config.HTTPSettings{
			Port:              8080,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			WriteTimeoutBatch: 2 * time.Minute,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   time.Second,
		},
		Auth: config.AuthSettings{Enabled: false},
	}
}

func serve(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_RequiredOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{"nil logger", Options{Config: baseConfig(), HealthHandler: okHandler("")}, "logger is required"},
		{"nil health handler", Options{Config: baseConfig(), Logger: testutil.NewTestLogger()}, "health handler is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("expected error %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNew_ValidOptions(t *testing.T) {
	server, err := New(Options{Config: baseConfig(), Logger: testutil.NewTestLogger(), HealthHandler: okHandler("")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer server.Close()

	if server.httpServer.Addr != ":8080" {
		t.Errorf("expected address ':8080', got %q", server.httpServer.Addr)
	}
	if server.httpServer.WriteTimeout != 10*time.Second {
		t.Errorf("unexpected write timeout %s", server.httpServer.WriteTimeout)
	}
}

func TestServer_Routes(t *testing.T) {
	var deadline time.Time
	server, err := New(Options{
		Config:           baseConfig(),
		Logger:           testutil.NewTestLogger(),
		HealthHandler:    okHandler("healthy"),
		ReadinessHandler: okHandler("ready"),
		EmissionRoutes:   emissionRoutes{deadline: &deadline},
		QueueRoutes:      okRoutes{body: "queue"},
		WebhookHandler:   okHandler("hook"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{http.MethodGet, "/health", http.StatusOK, "healthy"},
		{http.MethodGet, "/health/ready", http.StatusOK, "ready"},
		{http.MethodGet, "/api/v1/queue/stats", http.StatusOK, "queue"},
		{http.MethodPost, "/webhooks/woocommerce", http.StatusOK, "hook"},
		{http.MethodPost, "/api/v1/validation", http.StatusServiceUnavailable, "not configured"},
		{http.MethodGet, "/api/v1/validation/schemas", http.StatusServiceUnavailable, "not configured"},
		{http.MethodGet, "/nowhere", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := serve(server, tt.method, tt.path, "")
			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d", tt.wantCode, w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}

	if w := serve(server, http.MethodPost, "/api/v1/emissions/batch", ""); w.Code != http.StatusOK {
		t.Fatalf("batch: expected 200, got %d", w.Code)
	}
	if remaining := time.Until(deadline); remaining < time.Minute || remaining > 2*time.Minute {
		t.Errorf("batch deadline not extended, remaining %s", remaining)
	}
	if w := serve(server, http.MethodGet, "/health", ""); w.Header().Get(middleware.CorrelationHeader) == "" {
		t.Error("expected correlation header on every response")
	}
}

func TestServer_MissingGroupsAreUnavailable(t *testing.T) {
	server, err := New(Options{Config: baseConfig(), Logger: testutil.NewTestLogger(), HealthHandler: okHandler("")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, path := range []string{"/api/v1/emissions/1", "/api/v1/queue/stats", "/webhooks/woocommerce"} {
		if w := serve(server, http.MethodPost, path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestServer_Authentication(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := baseConfig()
	cfg.Auth = config.AuthSettings{
		Enabled:     true,
		IssuerURI:   "https://issuer.test",
		BypassPaths: []string{"/health", "/metrics", "/webhooks/"},
	}
	auth := middleware.NewJWTAuthenticatorWithKeyfunc(cfg.Auth, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, testutil.NewTestLogger())

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "https://issuer.test",
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	server, err := New(Options{
		Config:         cfg,
		Logger:         testutil.NewTestLogger(),
		Metrics:        metrics.New(),
		Authenticator:  auth,
		HealthHandler:  okHandler("healthy"),
		QueueRoutes:    okRoutes{body: "queue"},
		WebhookHandler: okHandler("hook"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		wantCode int
	}{
		{"api without token", http.MethodGet, "/api/v1/queue/stats", "", http.StatusUnauthorized},
		{"api with token", http.MethodGet, "/api/v1/queue/stats", token, http.StatusOK},
		{"health bypass", http.MethodGet, "/health", "", http.StatusOK},
		{"metrics bypass", http.MethodGet, "/metrics", "", http.StatusOK},
		{"webhook bypass", http.MethodPost, "/webhooks/woocommerce", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := serve(server, tt.method, tt.path, tt.token); w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	server, err := New(Options{
		Config:        baseConfig(),
		Logger:        testutil.NewTestLogger(),
		Metrics:       metrics.New(),
		HealthHandler: okHandler("healthy"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	serve(server, http.MethodGet, "/health", "")
	w := serve(server, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/health"`) {
		t.Errorf("expected /health request to be counted, got:\n%s", w.Body.String())
	}
}

func TestServer_Run_ContextCancel(t *testing.T) {
	cfg := baseConfig()
	cfg.HTTP.Port = 0

	server, err := New(Options{Config: cfg, Logger: testutil.NewTestLogger(), HealthHandler: okHandler("")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestServer_Run_ListenError(t *testing.T) {
	cfg := baseConfig()
	cfg.HTTP.Port = -1

	server, err := New(Options{Config: cfg, Logger: testutil.NewTestLogger(), HealthHandler: okHandler("")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := server.Run(context.Background()); err == nil {
		t.Error("expected listen error for an invalid port")
	}
}
