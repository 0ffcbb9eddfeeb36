package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/diagnosis/counsel-portal/internal/utils"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	MetricPageViews      = "page_views"
	MetricUniqueSessions = "unique_sessions"
	MetricBookings       = "bookings"
	MetricOrdersPaid     = "orders_paid"
	MetricRevenueCents   = "revenue_cents"
	MetricXPEarned       = "xp_earned"
	MetricXPRedeemed     = "xp_redeemed"
	MetricCartsAbandoned = "carts_abandoned"
	MetricCartsRecovered = "carts_recovered"
)

// Metrics lists every rollup metric in display order.
var Metrics = []string{
	MetricPageViews,
	MetricUniqueSessions,
	MetricBookings,
	MetricOrdersPaid,
	MetricRevenueCents,
	MetricXPEarned,
	MetricXPRedeemed,
	MetricCartsAbandoned,
	MetricCartsRecovered,
}

// Dashboard stats, each read independently.
const (
	StatPageViews7d      = "page_views_7d"
	StatUpcomingBookings = "upcoming_bookings"
	StatOrdersPaid30d    = "orders_paid_30d"
	StatRevenue30d       = "revenue_cents_30d"
	StatOutstandingXP    = "outstanding_xp"
	StatPendingCarts     = "pending_carts"
	StatFailedWebhooks   = "failed_webhooks"
	StatActiveLockouts   = "active_lockouts"
)

var dashboardStats = []string{
	StatPageViews7d,
	StatUpcomingBookings,
	StatOrdersPaid30d,
	StatRevenue30d,
	StatOutstandingXP,
	StatPendingCarts,
	StatFailedWebhooks,
	StatActiveLockouts,
}

const maxDailyRange = 366

var (
	ErrInvalidPath  = errors.New("path must be a site-relative URL")
	ErrInvalidDate  = errors.New("date must be YYYY-MM-DD")
	ErrInvalidRange = errors.New("invalid date range")
	ErrUnknownStat  = errors.New("unknown stat")
)

type PageView struct {
	Path      string    `json:"path"`
	SessionID string    `json:"session_id"`
	Referrer  string    `json:"referrer"`
	VisitedAt time.Time `json:"visited_at"`
}

type DailyRow struct {
	Day    string `json:"day"`
	Metric string `json:"metric"`
	Value  int64  `json:"value"`
}

type Dashboard struct {
	Stats       map[string]int64 `json:"stats"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Store reads raw tables and writes the analytics_daily rollup.
type Store interface {
	InsertPageView(ctx context.Context, pv PageView) error
	// Compute returns each rollup metric for events in [from, to).
	Compute(ctx context.Context, from, to time.Time) (map[string]int64, error)
	UpsertDaily(ctx context.Context, day string, values map[string]int64) error
	Daily(ctx context.Context, from, to string) ([]DailyRow, error)
	Stat(ctx context.Context, name string, now time.Time) (int64, error)
}

type Service struct {
	store   Store
	metrics *metrics.Metrics
	loc     *time.Location
	now     func() time.Time
}

func NewService(store Store, m *metrics.Metrics, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, metrics: m, loc: loc, now: time.Now}
}

// RecordPageView stores one visit. Only the path of the page is kept.
func (s *Service) RecordPageView(ctx context.Context, pv PageView) error {
	path, err := cleanPath(pv.Path)
	if err != nil {
		return err
	}
	pv.Path = path
	pv.SessionID = utils.Truncate(strings.TrimSpace(pv.SessionID), 64)
	pv.Referrer = utils.Truncate(strings.TrimSpace(pv.Referrer), 512)
	pv.VisitedAt = s.now()

	if err := s.store.InsertPageView(ctx, pv); err != nil {
		return fmt.Errorf("insert page view: %w", err)
	}
	return nil
}

func cleanPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "", ErrInvalidPath
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidPath
	}
	return utils.Truncate(u.Path, 512), nil
}

// Rollup recomputes every metric for day (YYYY-MM-DD in the firm's time zone).
// Rerunning a day overwrites its rows.
func (s *Service) Rollup(ctx context.Context, day string) (map[string]int64, error) {
	start, err := time.ParseInLocation(time.DateOnly, day, s.loc)
	if err != nil {
		return nil, ErrInvalidDate
	}
	end := start.AddDate(0, 0, 1)

	values, err := s.store.Compute(ctx, start, end)
	if err != nil {
		s.countRun("error")
		return nil, fmt.Errorf("compute rollup %s: %w", day, err)
	}
	for _, m := range Metrics {
		if _, ok := values[m]; !ok {
			values[m] = 0
		}
	}
	if err := s.store.UpsertDaily(ctx, day, values); err != nil {
		s.countRun("error")
		return nil, fmt.Errorf("store rollup %s: %w", day, err)
	}
	s.countRun("ok")
	logger.InfoContext(ctx, "analytics rollup complete", "day", day, "page_views", values[MetricPageViews])
	return values, nil
}

// RollupRecent reruns yesterday and today, which is what the worker schedules.
func (s *Service) RollupRecent(ctx context.Context) error {
	today := s.now().In(s.loc)
	var errs []error
	for _, d := range []time.Time{today.AddDate(0, 0, -1), today} {
		if _, err := s.Rollup(ctx, d.Format(time.DateOnly)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) countRun(status string) {
	if s.metrics != nil {
		s.metrics.RollupRuns.WithLabelValues(status).Inc()
	}
}

// Dashboard reads all headline stats concurrently. Any failure fails the whole read.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.now()
	values := make([]int64, len(dashboardStats))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range dashboardStats {
		g.Go(func() error {
			v, err := s.store.Stat(gctx, name, now)
			if err != nil {
				return fmt.Errorf("stat %s: %w", name, err)
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := &Dashboard{Stats: make(map[string]int64, len(dashboardStats)), GeneratedAt: now}
	for i, name := range dashboardStats {
		d.Stats[name] = values[i]
	}
	return d, nil
}

// Daily returns rollup rows for [from, to], both inclusive.
func (s *Service) Daily(ctx context.Context, from, to string) ([]DailyRow, error) {
	f, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return nil, ErrInvalidDate
	}
	t, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return nil, ErrInvalidDate
	}
	if t.Before(f) || t.Sub(f) > maxDailyRange*24*time.Hour {
		return nil, ErrInvalidRange
	}

	rows, err := s.store.Daily(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load daily rollups: %w", err)
	}
	if rows == nil {
		rows = []DailyRow{}
	}
	return rows, nil
}
