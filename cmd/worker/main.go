package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/counsel-portal/internal/analytics"
	"github.com/diagnosis/counsel-portal/internal/availability"
	"github.com/diagnosis/counsel-portal/internal/checkout"
	"github.com/diagnosis/counsel-portal/internal/lockout"
	"github.com/diagnosis/counsel-portal/internal/mailer"
	"github.com/diagnosis/counsel-portal/internal/ratelimit"
	"github.com/diagnosis/counsel-portal/internal/webhook"
	"github.com/diagnosis/counsel-portal/pkg/config"
	"github.com/diagnosis/counsel-portal/pkg/database"
	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
	mw "github.com/diagnosis/counsel-portal/pkg/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Failed-login rows untouched for this long are purged.
const lockoutRetention = 24 * time.Hour

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger.SetDefault(logger.New(os.Stdout, cfg.App.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var bus events.EventBus = events.NoopBus{}
	if cfg.NATS.URL != "" {
		natsBus, err := events.NewNATSEventBus(cfg.NATS.URL, "counsel-worker")
		if err != nil {
			logger.Warn("NATS unavailable, event consumers are disabled", "error", err)
		} else {
			bus = natsBus
		}
	}
	defer bus.Close()

	m := metrics.Registry("counsel")
	loc := cfg.Location()

	notifier := mailer.NewNotifier(mailer.NewSender(cfg.Email), cfg.App.FirmName, cfg.App.PublicURL, loc, m)
	stats := analytics.NewService(analytics.NewPostgresStore(pool), m, loc)
	store := checkout.NewService(checkout.NewPostgresStore(pool), checkout.DisabledPayments{}, nil, nil, bus)
	slots := availability.NewPostgresStore(pool)
	limits := ratelimit.NewPostgresStore(pool)
	attempts := lockout.NewPostgresStore(pool)
	guard := webhook.NewGuard(webhook.NewPostgresStore(pool), m)

	tmpl := availability.DefaultTemplate
	tmpl.Open, tmpl.Close, tmpl.DurationMinutes = cfg.Worker.SlotOpen, cfg.Worker.SlotClose, cfg.Worker.SlotMinutes

	jobs := []job{
		{name: "analytics_rollup", interval: cfg.Worker.RollupInterval, run: stats.RollupRecent},
		{name: "cart_reminders", interval: cfg.Worker.CartReminderInterval, run: func(ctx context.Context) error {
			sent, err := store.SendReminders(ctx, notifier, cfg.Worker.CartReminderAfter, cfg.Worker.CartMaxReminders)
			if sent > 0 {
				logger.InfoContext(ctx, "Sent cart reminders", "count", sent)
			}
			return err
		}},
		{name: "cleanup", interval: cfg.Worker.CleanupInterval, run: func(ctx context.Context) error {
			var errs []error
			if n, err := limits.DeleteExpired(ctx); err != nil {
				errs = append(errs, err)
			} else if n > 0 {
				logger.InfoContext(ctx, "Deleted expired rate limit windows", "count", n)
			}
			if n, err := attempts.DeleteStale(ctx, time.Now().Add(-lockoutRetention)); err != nil {
				errs = append(errs, err)
			} else if n > 0 {
				logger.InfoContext(ctx, "Deleted stale login attempts", "count", n)
			}
			if n, err := guard.ReleaseStale(ctx, cfg.Worker.WebhookStaleAfter); err != nil {
				errs = append(errs, err)
			} else if n > 0 {
				logger.WarnContext(ctx, "Released stuck webhook events", "count", n)
			}
			return errors.Join(errs...)
		}},
		{name: "slot_generation", interval: cfg.Worker.SlotInterval, run: slotJob(tmpl, cfg.Worker.SlotHorizonDays, loc, slots.InsertSlots, time.Now)},
	}

	subs := []error{
		consume(bus, events.BookingCreated, m, notifier.SendBookingConfirmation),
		consume(bus, events.AccountLocked, m, notifier.SendLockoutNotice),
		consume(bus, events.OrderPaid, m, notifier.SendOrderReceipt),
	}
	if err := errors.Join(subs...); err != nil {
		logger.Error("Failed to subscribe to events", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Worker.MetricsPort,
		Handler:      mw.MetricsHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error { return j.loop(gctx, m) })
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("Starting worker", "jobs", len(jobs), "metrics_port", cfg.Worker.MetricsPort)
	if err := g.Wait(); err != nil {
		logger.Error("Worker error", "error", err)
		os.Exit(1)
	}
}
