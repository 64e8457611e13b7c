package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"3tcapital/ms_nfse_emissor/internal/infrastructure/config"
	httperrors "3tcapital/ms_nfse_emissor/internal/infrastructure/http"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/http/middleware"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/metrics"
)

// Routes mounts a group of endpoints under a prefix.
type Routes interface {
	Register(r chi.Router)
}

// EmissionRoutes mounts the emission endpoints; batch wraps long-running ones.
type EmissionRoutes interface {
	Register(r chi.Router, batch func(http.Handler) http.Handler)
}

// Options wires a Server. Every route group is optional: a missing group
// answers 503 so a partially configured deployment reports it clearly.
type Options struct {
	Config           config.AppConfig
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Authenticator    *middleware.JWTAuthenticator
	HealthHandler    http.Handler
	ReadinessHandler http.Handler
	EmissionRoutes   EmissionRoutes
	QueueRoutes      Routes
	ValidationRoutes Routes
	WebhookHandler   http.Handler
}

// Server is the admin API and webhook receiver.
type Server struct {
	log             *slog.Logger
	httpServer      *http.Server
	auth            *middleware.JWTAuthenticator
	shutdownTimeout time.Duration
}

// New builds the router. When auth is enabled and no Authenticator is given,
// one is created from the JWKS settings and closed by Close.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.HealthHandler == nil {
		return nil, errors.New("health handler is required")
	}

	cfg := opts.Config
	auth := opts.Authenticator
	if auth == nil {
		var err error
		auth, err = middleware.NewJWTAuthenticator(cfg.Auth, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("create authenticator: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(chimw.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(auth.Middleware)

	r.Method(http.MethodGet, "/health", opts.HealthHandler)
	if opts.ReadinessHandler != nil {
		r.Method(http.MethodGet, "/health/ready", opts.ReadinessHandler)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	batch := middleware.ExtendedTimeout(cfg.HTTP.WriteTimeoutBatch)
	if cfg.HTTP.WriteTimeoutBatch <= 0 {
		batch = middleware.ExtendedTimeout(5 * time.Minute)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/emissions", func(r chi.Router) {
			if opts.EmissionRoutes == nil {
				unavailable(r, opts.Logger)
				return
			}
			opts.EmissionRoutes.Register(r, batch)
		})
		mount(r, "/queue", opts.QueueRoutes, opts.Logger)
		mount(r, "/validation", opts.ValidationRoutes, opts.Logger)
	})

	if opts.WebhookHandler != nil {
		r.Method(http.MethodPost, "/webhooks/woocommerce", opts.WebhookHandler)
	} else {
		r.Route("/webhooks", func(r chi.Router) { unavailable(r, opts.Logger) })
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &Server{
		log:             opts.Logger,
		httpServer:      srv,
		auth:            auth,
		shutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, nil
}

func mount(r chi.Router, prefix string, routes Routes, log *slog.Logger) {
	r.Route(prefix, func(r chi.Router) {
		if routes == nil {
			unavailable(r, log)
			return
		}
		routes.Register(r)
	})
}

func unavailable(r chi.Router, log *slog.Logger) {
	h := func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, http.StatusServiceUnavailable, "Service unavailable", []string{"this feature is not configured"}, log)
	}
	r.HandleFunc("/", h)
	r.HandleFunc("/*", h)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server started", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		timeout := s.shutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.log.Info("HTTP server shutting down", "timeout", timeout.String())
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Close releases the authenticator's background JWKS refresh.
func (s *Server) Close() {
	if s.auth != nil {
		s.auth.Close()
	}
}
