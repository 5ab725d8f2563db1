// Package relay is the redirect target of the identity provider. It turns
// each provider callback into an oidc-callback message on the shared channel
// and tells the login process when the user closes the window.
package relay

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/refractionpoint/oidc-login/internal/messaging"
	"github.com/refractionpoint/oidc-login/internal/ratelimit"
	"github.com/refractionpoint/oidc-login/internal/redis"
)

//go:embed templates/*.html
var templateFS embed.FS

// DefaultReplayTTL is how long a used state is remembered
const DefaultReplayTTL = 10 * time.Minute

// WindowReleaser ends the lease of a provider window
type WindowReleaser interface {
	Release(ctx context.Context, id string) error
}

// Config for the relay server
type Config struct {
	Addr string
	// PublicOrigin is stamped on every message as its origin
	PublicOrigin string
	ReplayTTL    time.Duration
	// TrustedProxies may set X-Forwarded-For / X-Real-IP for rate limiting
	TrustedProxies []netip.Prefix
}

// Server is the callback relay
type Server struct {
	cfg         Config
	logger      *slog.Logger
	mux         *http.ServeMux
	server      *http.Server
	channel     messaging.Channel
	redisClient *redis.Client
	windows     WindowReleaser
	rateLimiter *ratelimit.Limiter
	templates   *template.Template
}

// New creates a relay server. rateLimiter may be nil.
func New(cfg Config, channel messaging.Channel, redisClient *redis.Client, windows WindowReleaser, rateLimiter *ratelimit.Limiter, logger *slog.Logger) (*Server, error) {
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = DefaultReplayTTL
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		mux:         http.NewServeMux(),
		channel:     channel,
		redisClient: redisClient,
		windows:     windows,
		rateLimiter: rateLimiter,
		templates:   tmpl,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	logger.Info("Relay server initialized", "addr", cfg.Addr, "origin", cfg.PublicOrigin)

	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/oidc/callback", s.handleCallback)
	s.mux.HandleFunc("/oidc/closed", s.handleWindowClosed)
	s.mux.HandleFunc("/health", s.handleHealth)
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(s.mux)
}

// Serve runs the server until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("Starting relay server", "addr", s.cfg.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down relay server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}

		s.logger.Info("Relay server stopped gracefully")
		return nil

	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}
