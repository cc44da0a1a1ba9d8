// Package server wires the reconciler's stores, pipeline and HTTP surface
// together and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rcourtman/billing-reconciler/internal/catalog"
	"github.com/rcourtman/billing-reconciler/internal/config"
	"github.com/rcourtman/billing-reconciler/internal/email"
	"github.com/rcourtman/billing-reconciler/internal/logging"
	"github.com/rcourtman/billing-reconciler/internal/notify"
	"github.com/rcourtman/billing-reconciler/internal/reconcile"
	"github.com/rcourtman/billing-reconciler/internal/stripeapi"
	"github.com/rcourtman/billing-reconciler/internal/webhook"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Service is the assembled reconciler: the HTTP surface plus the background
// notification machinery behind it.
type Service struct {
	Handler http.Handler

	dispatcher *notify.Dispatcher
	consumer   *notify.QueueConsumer
	redis      *redis.Client
}

// NewService builds the pipeline on top of store and cat.
func NewService(cfg *config.Config, store Store, cat catalog.Catalog) (*Service, error) {
	svc := &Service{}

	sinks := []notify.Sink{
		notify.NewEmailSink(newEmailSender(cfg), cfg.EmailFrom, store),
		notify.NewInboxSink(store),
	}
	if len(cfg.OutboundWebhookURLs) > 0 {
		sinks = append(sinks, notify.NewWebhookSink(cfg.OutboundWebhookURLs, cfg.OutboundWebhookSecret))
		log.Info().Int("targets", len(cfg.OutboundWebhookURLs)).Msg("Outbound webhook fan-out enabled")
	}
	svc.dispatcher = notify.NewDispatcher(sinks, notify.DispatcherOptions{Workers: cfg.NotifyWorkers})

	var notifier notify.Notifier = svc.dispatcher
	if cfg.RedisAddr != "" {
		svc.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		notifier = notify.NewRedisQueue(svc.redis, notify.DefaultQueueKey, svc.dispatcher)
		svc.consumer = notify.NewQueueConsumer(svc.redis, notify.DefaultQueueKey, svc.dispatcher)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Notifications queued through redis")
	}

	var fetcher reconcile.SubscriptionFetcher
	if cfg.StripeAPIKey != "" {
		f, err := stripeapi.NewSubscriptionFetcher(cfg.StripeAPIKey)
		if err != nil {
			return nil, fmt.Errorf("init subscription fetcher: %w", err)
		}
		fetcher = f
	} else {
		log.Info().Msg("STRIPE_API_KEY not set; checkouts are projected from the session alone")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhooks will be rejected with 503")
	}

	projector := reconcile.NewProjector(store, cat, fetcher, notifier, cfg.StoreTimeout)
	commissions := reconcile.NewCommissionEngine(store, store, notifier, cfg.StoreTimeout)
	router := reconcile.NewRouter(projector, commissions, cfg.EventTimeout)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		AdminKey:         cfg.AdminKey,
		PublicMetrics:    cfg.PublicMetrics,
		WebhookRateLimit: cfg.WebhookRateLimit,
		Store:            store,
		Webhook:          webhook.NewHandler(cfg.StripeWebhookSecret, webhook.NewVerifier(), router),
	})
	svc.Handler = requestIDMiddleware(mux)
	return svc, nil
}

// Start launches the notification workers.
func (s *Service) Start(ctx context.Context) {
	s.dispatcher.Start(ctx)
}

// RunConsumer drains the redis queue until ctx is canceled. It returns
// immediately when no queue is configured.
func (s *Service) RunConsumer(ctx context.Context) error {
	if s.consumer == nil {
		return nil
	}
	return s.consumer.Run(ctx)
}

// Close drains pending notifications and releases the queue connection.
func (s *Service) Close() {
	s.dispatcher.Close()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
}

// Run starts the reconciler HTTP server with graceful shutdown.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "reconciler",
	})

	log.Info().Str("version", version).Msg("Starting billing reconciler")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	log.Info().Int("products", cat.Len()).Str("path", cfg.CatalogPath).Msg("Catalog loaded")
	if err := SeedRateTiers(ctx, store, cat.RateTiers()); err != nil {
		return err
	}

	svc, err := NewService(cfg, store, cat)
	if err != nil {
		return err
	}
	svc.Start(ctx)
	defer svc.Close()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           svc.Handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Reconciler listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunConsumer(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Reconciler stopped")
	return err
}

func newEmailSender(cfg *config.Config) email.Sender {
	switch {
	case cfg.PostmarkServerToken != "":
		log.Info().Msg("Email sender configured (Postmark)")
		return email.NewPostmarkSender(cfg.PostmarkServerToken)
	case cfg.ResendAPIKey != "":
		log.Info().Msg("Email sender configured (Resend)")
		return email.NewResendSender(cfg.ResendAPIKey)
	default:
		log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN or RESEND_API_KEY to enable)")
		return email.NewLogSender(func(to, subject, body string) {
			const maxBody = 4096
			if len(body) > maxBody {
				body = body[:maxBody] + "...(truncated)"
			}
			log.Info().
				Str("to", to).
				Str("subject", subject).
				Str("body", body).
				Msg("Email (log-only, no email provider configured)")
		})
	}
}
