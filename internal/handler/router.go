package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/line-relay/internal/middleware"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

// RouterConfig wires handlers into the HTTP router. Sessions and Events
// are optional; the admin API is mounted only with a JWT secret.
type RouterConfig struct {
	Webhook  *WebhookHandler
	Health   *HealthHandler
	Sessions *SessionHandler
	Events   *EventStreamHandler

	JWTSecret            string
	CORSOrigins          []string
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	WebhookRateLimit     int
	WebhookRateLimitSpan time.Duration

	Logger *logger.Logger
}

// NewRouter builds the relay's HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// LINE webhook, authenticated by its signature
	r.Group(func(r chi.Router) {
		if cfg.WebhookRateLimit > 0 {
			r.Use(middleware.RateLimit(cfg.WebhookRateLimit, windowOr(cfg.WebhookRateLimitSpan)))
		}
		r.Post("/callback", cfg.Webhook.Callback)
	})

	if cfg.JWTSecret == "" || cfg.Sessions == nil {
		return r
	}

	// Admin API with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.CORSOrigins))
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.SubjectRateLimit(cfg.RateLimitRequests, windowOr(cfg.RateLimitWindow)))
		}

		r.Route("/sessions/{userID}", func(r chi.Router) {
			r.With(middleware.RequireScope(middleware.ScopeSessionsRead)).Get("/", cfg.Sessions.Get)
			r.With(middleware.RequireScope(middleware.ScopeSessionsWrite)).Delete("/", cfg.Sessions.Expire)

			if cfg.Events != nil {
				r.With(middleware.RequireScope(middleware.ScopeEventsRead)).Get("/events", cfg.Events.Stream)
			}
		})
	})

	return r
}

func windowOr(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}
	return d
}
