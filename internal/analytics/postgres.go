package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore reads page views and writes daily rollups.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertPageView(ctx context.Context, pv PageView) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO page_views (path, session_id, referrer, visited_at)
		VALUES ($1, $2, $3, $4)`, pv.Path, pv.SessionID, pv.Referrer, pv.VisitedAt)
	return err
}

func (s *PostgresStore) Compute(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var pv, sessions, bookings, orders, revenue, earned, redeemed, abandoned, recovered int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM page_views WHERE visited_at >= $1 AND visited_at < $2),
			(SELECT count(DISTINCT session_id) FROM page_views
				WHERE visited_at >= $1 AND visited_at < $2 AND session_id <> ''),
			(SELECT count(*) FROM bookings
				WHERE created_at >= $1 AND created_at < $2 AND status <> 'cancelled'),
			(SELECT count(*) FROM orders WHERE status = 'paid' AND paid_at >= $1 AND paid_at < $2),
			(SELECT COALESCE(sum(subtotal_cents - discount_cents), 0)::bigint FROM orders
				WHERE status = 'paid' AND paid_at >= $1 AND paid_at < $2),
			(SELECT COALESCE(sum(amount), 0)::bigint FROM xp_transactions
				WHERE kind = 'earn' AND created_at >= $1 AND created_at < $2),
			(SELECT COALESCE(sum(amount), 0)::bigint FROM xp_transactions
				WHERE kind = 'redeem' AND created_at >= $1 AND created_at < $2),
			(SELECT count(*) FROM abandoned_carts WHERE created_at >= $1 AND created_at < $2),
			(SELECT count(*) FROM abandoned_carts WHERE recovered_at >= $1 AND recovered_at < $2)`,
		from, to).Scan(&pv, &sessions, &bookings, &orders, &revenue, &earned, &redeemed, &abandoned, &recovered)
	if err != nil {
		return nil, err
	}

	return map[string]int64{
		MetricPageViews:      pv,
		MetricUniqueSessions: sessions,
		MetricBookings:       bookings,
		MetricOrdersPaid:     orders,
		MetricRevenueCents:   revenue,
		MetricXPEarned:       earned,
		MetricXPRedeemed:     redeemed,
		MetricCartsAbandoned: abandoned,
		MetricCartsRecovered: recovered,
	}, nil
}

func (s *PostgresStore) UpsertDaily(ctx context.Context, day string, values map[string]int64) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for metric, v := range values {
		batch.Queue(`
			INSERT INTO analytics_daily (day, metric, value, updated_at)
			VALUES ($1::date, $2, $3, now())
			ON CONFLICT (day, metric) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			day, metric, v)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) Daily(ctx context.Context, from, to string) ([]DailyRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT to_char(day, 'YYYY-MM-DD'), metric, value
		FROM analytics_daily
		WHERE day BETWEEN $1::date AND $2::date
		ORDER BY day, metric`, from, to)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[DailyRow])
}

var statQueries = map[string]string{
	StatPageViews7d:      `SELECT count(*) FROM page_views WHERE visited_at >= $1::timestamptz - interval '7 days'`,
	StatUpcomingBookings: `SELECT count(*) FROM bookings b JOIN availability_slots s ON s.id = b.slot_id WHERE b.status = 'confirmed' AND s.slot_date >= $1::date`,
	StatOrdersPaid30d:    `SELECT count(*) FROM orders WHERE status = 'paid' AND paid_at >= $1::timestamptz - interval '30 days'`,
	StatRevenue30d:       `SELECT COALESCE(sum(subtotal_cents - discount_cents), 0)::bigint FROM orders WHERE status = 'paid' AND paid_at >= $1::timestamptz - interval '30 days'`,
	StatOutstandingXP:    `SELECT COALESCE(sum(total_xp - redeemed_xp), 0)::bigint FROM xp_states WHERE $1::timestamptz IS NOT NULL`,
	StatPendingCarts:     `SELECT count(*) FROM abandoned_carts WHERE status = 'pending' AND $1::timestamptz IS NOT NULL`,
	StatFailedWebhooks:   `SELECT count(*) FROM webhook_events WHERE status = 'failed' AND $1::timestamptz IS NOT NULL`,
	StatActiveLockouts:   `SELECT count(*) FROM login_attempts WHERE locked_until > $1`,
}

func (s *PostgresStore) Stat(ctx context.Context, name string, now time.Time) (int64, error) {
	q, ok := statQueries[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStat, name)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var v int64
	err := s.pool.QueryRow(ctx, q, now).Scan(&v)
	return v, err
}
