package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/counsel-portal/internal/account"
	"github.com/diagnosis/counsel-portal/internal/analytics"
	"github.com/diagnosis/counsel-portal/internal/availability"
	"github.com/diagnosis/counsel-portal/internal/chat"
	"github.com/diagnosis/counsel-portal/internal/checkout"
	"github.com/diagnosis/counsel-portal/internal/content"
	"github.com/diagnosis/counsel-portal/internal/csrf"
	"github.com/diagnosis/counsel-portal/internal/http/handlers"
	"github.com/diagnosis/counsel-portal/internal/lockout"
	"github.com/diagnosis/counsel-portal/internal/ratelimit"
	"github.com/diagnosis/counsel-portal/internal/webhook"
	"github.com/diagnosis/counsel-portal/internal/xp"
	"github.com/diagnosis/counsel-portal/migrations"
	"github.com/diagnosis/counsel-portal/pkg/cache"
	"github.com/diagnosis/counsel-portal/pkg/config"
	"github.com/diagnosis/counsel-portal/pkg/database"
	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
	mw "github.com/diagnosis/counsel-portal/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger.SetDefault(logger.New(os.Stdout, cfg.App.LogLevel))

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.Database.RunMigrations {
		if err := database.Migrate(ctx, pool, migrations.Files); err != nil {
			logger.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	redisCache := cache.New(cfg.Redis)
	defer redisCache.Close()

	checks := []handlers.Check{
		{Name: "database", Critical: true, Ping: pool.Ping},
		{Name: "redis", Ping: redisCache.Ping},
	}

	var bus events.EventBus = events.NoopBus{}
	if cfg.NATS.URL != "" {
		natsBus, err := events.NewNATSEventBus(cfg.NATS.URL, "counsel-api")
		if err != nil {
			logger.Warn("NATS unavailable, events will be dropped", "error", err)
		} else {
			bus = natsBus
			checks = append(checks, handlers.Check{Name: "nats", Ping: func(context.Context) error { return natsBus.Healthy() }})
		}
	}
	defer bus.Close()

	m := metrics.Registry("counsel")
	loc := cfg.Location()

	var limitStore ratelimit.Store = ratelimit.NewRedisStore(redisCache.Client())
	if cfg.RateLimit.Backend == "postgres" {
		limitStore = ratelimit.NewPostgresStore(pool)
	}

	tracker := lockout.NewTracker(lockout.NewPostgresStore(pool), bus, m, cfg.Security.LockoutThreshold, cfg.Security.LockoutDuration)
	ledger := xp.NewService(xp.NewPostgresStore(pool), bus, m, xp.Options{
		VariableReinforcement: cfg.XP.VariableReinforcement,
		PromoActions:          cfg.XP.PromoActions,
		Location:              loc,
	})
	guard := webhook.NewGuard(webhook.NewPostgresStore(pool), m)

	var payments checkout.Payments = checkout.DisabledPayments{}
	if cfg.Stripe.SecretKey != "" {
		payments = checkout.NewStripeGateway(cfg.Stripe)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, checkout is disabled")
	}

	// A nil *Assistant must not reach the handler interface.
	var assistant handlers.Assistant = unavailableAssistant{}
	model, err := chat.NewGeminiModel(ctx, cfg.Chat.GeminiAPIKey, cfg.Chat.Model)
	switch {
	case err == nil:
		assistant = chat.NewAssistant(model, cfg.App.FirmName, cfg.Chat.MaxHistory)
	case errors.Is(err, chat.ErrUnavailable):
		logger.Warn("GEMINI_API_KEY not set, chat is disabled")
	default:
		logger.Error("Failed to create chat model", "error", err)
	}

	h := &handlers.Handlers{
		Slots:     availability.NewService(availability.NewPostgresStore(pool), bus, m, loc),
		Lockout:   tracker,
		Accounts:  account.NewService(account.NewPostgresStore(pool), tracker, ledger, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL),
		XP:        ledger,
		Store:     checkout.NewService(checkout.NewPostgresStore(pool), payments, ledger, guard, bus),
		Content:   content.NewService(content.NewPostgresStore(pool), redisCache, cfg.Content.CacheTTL),
		Analytics: analytics.NewService(analytics.NewPostgresStore(pool), m, loc),
		Assistant: assistant,
		Webhooks:  guard,
		Checks:    checks,

		Limiter:        ratelimit.NewLimiter(limitStore, m),
		CSRF:           csrf.New(cfg.Security.CSRFSecret, cfg.IsProduction(), cfg.Security.CSRFExemptPaths, cfg.App.CORSOrigin),
		Idempotency:    redisCache,
		IdempotencyTTL: cfg.Content.IdempotencyTTL,
		JWTSecret:      cfg.Auth.JWTSecret,
	}

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("counsel-api"))
	r.Use(mw.Logging)
	r.Use(mw.Recover)
	r.Use(mw.CORS(cfg.App.CORSOrigin))
	r.Use(mw.Metrics(m))

	r.Handle("/metrics", mw.MetricsHandler())
	r.Mount("/api", h.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
	}()

	logger.Info("Starting API server", "port", cfg.Server.Port, "env", cfg.App.Env)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("API server error", "error", err)
		os.Exit(1)
	}
}

type unavailableAssistant struct{}

func (unavailableAssistant) Reply(context.Context, []chat.Message) (string, error) {
	return "", chat.ErrUnavailable
}
