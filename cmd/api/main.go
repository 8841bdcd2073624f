package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kontext/backend/internal/anomaly"
	"github.com/kontext/backend/internal/api"
	"github.com/kontext/backend/internal/billing"
	"github.com/kontext/backend/internal/config"
	"github.com/kontext/backend/internal/events"
	"github.com/kontext/backend/internal/middleware"
	"github.com/kontext/backend/internal/monitoring"
	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/plans"
	"github.com/kontext/backend/internal/store"
	"github.com/kontext/backend/internal/stream"
	"github.com/kontext/backend/internal/tasks"
	"github.com/kontext/backend/internal/trust"
	"github.com/kontext/backend/internal/webhooks"
)

func main() {
	// .env is optional; deployed instances carry real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	registry, err := multitenancy.NewKeyRegistry(cfg.Keys.Keys, cfg.Keys.KeyHashes, cfg.Keys.PlanSpecs)
	if err != nil {
		log.Fatalf("Failed to build key registry: %v", err)
	}

	st := store.NewMemoryStore()
	ledger := plans.NewLedger(registry)

	// Event bus. Pub/Sub fan-out when a project is configured; the embedded
	// in-memory bus keeps feeding local subscribers either way.
	var (
		bus   *events.EventBus
		psBus *events.PubSubEventBus
	)
	if cfg.PubSub.Project != "" {
		psBus, err = events.NewPubSubEventBus(cfg.PubSub.Project, cfg.PubSub.Topic)
		if err != nil {
			slog.Warn("Pub/Sub unavailable, events stay in-process", "error", err)
			psBus = nil
		}
	}
	var emitter events.EventEmitter
	if psBus != nil {
		bus = psBus.EventBus
		emitter = psBus
	} else {
		bus = events.NewEventBus()
		emitter = bus
	}

	// Rate limiter. Redis-backed when an address is configured so counts
	// span replicas; otherwise per-instance in-memory windows.
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
	var (
		limiter      middleware.Limiter
		redisLimiter *middleware.RedisRateLimiter
	)
	if cfg.Redis.Addr != "" {
		redisLimiter, err = middleware.NewRedisRateLimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, window, cfg.RateLimit.MaxRequests)
		if err != nil {
			slog.Warn("Redis unavailable, rate limiting is per-instance", "error", err)
			redisLimiter = nil
		}
	}
	if redisLimiter != nil {
		limiter = redisLimiter
	} else {
		limiter = middleware.NewRateLimiter(window, cfg.RateLimit.MaxRequests)
	}

	manager := tasks.NewManager(st, emitter)
	evaluator := anomaly.NewEvaluator(st, emitter)
	scorer := trust.NewScorer(st)

	mediator := billing.NewMediator(billing.Config{
		WebhookSecret: cfg.Stripe.WebhookSecret,
		ProPriceID:    cfg.Stripe.ProPriceID,
		AppURL:        cfg.Server.AppURL,
	}, ledger, billing.NewStripeClient(cfg.Stripe.SecretKey), emitter)

	// Outbound webhooks. Cloud Tasks queue when configured, in-process
	// worker pool otherwise. The bridge feeds both from the event bus.
	whRegistry := webhooks.NewRegistry()
	var dispatcher webhooks.WebhookEmitter
	if cfg.CloudTasksEnabled() {
		cloud, err := webhooks.NewCloudDispatcher(whRegistry, cfg.CloudTasks.Project, cfg.CloudTasks.Location, cfg.CloudTasks.Queue, 4)
		if err != nil {
			slog.Warn("Cloud Tasks unavailable, webhook delivery is in-process", "error", err)
		} else {
			dispatcher = cloud
		}
	}
	if dispatcher == nil {
		dispatcher = webhooks.NewDispatcher(whRegistry, 4)
	}
	stopBridge := webhooks.StartBridge(bus, dispatcher)

	feed := stream.NewFeed(bus, stream.OriginChecker(cfg.IsDev(), cfg.AllowedOrigins()))
	metrics := monitoring.NewMetrics()

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     st,
		Registry:  registry,
		Ledger:    ledger,
		Limiter:   limiter,
		Tasks:     manager,
		Evaluator: evaluator,
		Scorer:    scorer,
		Mediator:  mediator,
		Webhooks:  whRegistry,
		Feed:      feed,
		Emitter:   emitter,
		Metrics:   metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	// Drain event consumers after the HTTP surface is down.
	stopBridge()
	dispatcher.Shutdown()
	if psBus != nil {
		if err := psBus.Close(); err != nil {
			slog.Warn("Pub/Sub close failed", "error", err)
		}
	}
	if redisLimiter != nil {
		if err := redisLimiter.Close(); err != nil {
			slog.Warn("Redis close failed", "error", err)
		}
	}

	log.Println("Server stopped")
}
