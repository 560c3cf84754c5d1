// Package app assembles the relay from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/internal/config"
	"github.com/capitalize-ai/line-relay/internal/dify"
	"github.com/capitalize-ai/line-relay/internal/handler"
	"github.com/capitalize-ai/line-relay/internal/line"
	"github.com/capitalize-ai/line-relay/internal/moderation"
	natsclient "github.com/capitalize-ai/line-relay/internal/nats"
	"github.com/capitalize-ai/line-relay/internal/service"
	"github.com/capitalize-ai/line-relay/internal/session"
	"github.com/capitalize-ai/line-relay/internal/store"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

// App is a fully wired relay.
type App struct {
	Handler    http.Handler
	Dispatcher *service.Dispatcher

	webhook *handler.WebhookHandler
	store   store.Store
	nats    *natsclient.Client
	logger  *logger.Logger
}

// New connects the relay's dependencies and builds its HTTP handler.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{logger: log}

	st, err := store.Open(ctx, cfg.SessionDBURL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	a.store = st
	sessions := session.NewManager(st, cfg.SessionTimeout, log)

	backend, err := newBackend(cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}

	lineClient, err := line.NewClient(cfg.LineChannelAccessToken,
		line.WithMaxContentBytes(cfg.LineMaxContentBytes),
		line.WithTimeout(cfg.LineTimeout),
		line.WithLogger(log),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	var (
		publisher service.EventPublisher
		events    *natsclient.StreamManager
		natsPing  handler.Pinger
	)
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.nats = nc

		events = natsclient.NewStreamManager(nc, cfg.NATSEventMaxAge)
		if err := events.EnsureStream(ctx); err != nil {
			a.close()
			return nil, err
		}
		publisher, natsPing = events, nc
	}

	d := service.NewDispatcher(sessions, backend, service.Options{
		ErrorResponse:    cfg.ErrorResponse,
		EmptyResponse:    cfg.EmptyResponse,
		SerializePerUser: cfg.SerializePerUser,
		MaxConcurrency:   cfg.MaxConcurrentEvents,
		DedupeTTL:        cfg.DedupeTTL,
		Fetcher:          lineClient,
		Publisher:        publisher,
		Logger:           log,
	})
	if cfg.DifyUserKey != "" {
		d.BuildInputs(service.UserIDInputs(cfg.DifyUserKey))
	}

	if cfg.OpenAIAPIKey != "" {
		mod, err := moderation.New(cfg.OpenAIAPIKey, cfg.ModerationReply, log)
		if err != nil {
			a.close()
			return nil, err
		}
		d.Validate(mod.Validate)
		log.Info("message moderation enabled")
	}
	a.Dispatcher = d

	a.webhook = handler.NewWebhookHandler(cfg.LineChannelSecret, d, lineClient, cfg.WebhookAsync, log)

	routes := handler.RouterConfig{
		Webhook:              a.webhook,
		Health:               handler.NewHealthHandler(st, natsPing),
		Sessions:             handler.NewSessionHandler(sessions, log),
		JWTSecret:            cfg.JWTSecret,
		CORSOrigins:          cfg.CORSOrigins,
		RateLimitRequests:    cfg.RateLimitRequests,
		RateLimitWindow:      cfg.RateLimitWindow,
		WebhookRateLimit:     cfg.WebhookRateLimitRequests,
		WebhookRateLimitSpan: cfg.RateLimitWindow,
		Logger:               log,
	}
	if events != nil {
		routes.Events = handler.NewEventStreamHandler(events, log)
	}
	a.Handler = handler.NewRouter(routes)

	log.Info("relay assembled",
		zap.String("dify_mode", string(backend.Mode())),
		zap.Duration("session_timeout", cfg.SessionTimeout),
		zap.Bool("webhook_async", cfg.WebhookAsync),
		zap.Bool("events_enabled", events != nil),
		zap.Bool("admin_enabled", cfg.AdminEnabled()),
	)

	return a, nil
}

func newBackend(cfg *config.Config, log *logger.Logger) (*dify.Client, error) {
	mode, err := dify.ParseMode(cfg.DifyType)
	if err != nil {
		return nil, err
	}

	opts := []dify.Option{
		dify.WithBaseURL(cfg.DifyBaseURL),
		dify.WithHTTPClient(&http.Client{Timeout: cfg.DifyTimeout}),
		dify.WithLogger(log),
	}
	if cfg.DifyUser != "" {
		opts = append(opts, dify.WithUser(cfg.DifyUser))
	}
	if mode == dify.ModeChat {
		opts = append(opts, dify.WithStreamCallback(func(chunk string, index int) error {
			log.Debug("answer chunk", zap.Int("index", index), zap.Int("bytes", len(chunk)))
			return nil
		}))
	}

	return dify.NewClient(cfg.DifyAPIKey, mode, opts...)
}

// Shutdown waits for background webhook deliveries and releases
// connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.webhook != nil {
		if err := a.webhook.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("webhook deliveries still running: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close session store", zap.Error(err))
			return err
		}
	}
	return nil
}
