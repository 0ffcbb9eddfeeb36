package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps counters in the rate_limits table. Used where Redis is
// not provisioned.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore counts windows in the rate_limits table.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()
	cutoff := now.Add(-window)

	// A row whose window started at or before the cutoff is stale and restarts at 1.
	query := `
		INSERT INTO rate_limits (rl_key, count, window_start, expires_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (rl_key) DO UPDATE SET
			count = CASE
				WHEN rate_limits.window_start <= $4 THEN 1
				ELSE rate_limits.count + 1
			END,
			window_start = CASE
				WHEN rate_limits.window_start <= $4 THEN $2
				ELSE rate_limits.window_start
			END,
			expires_at = CASE
				WHEN rate_limits.window_start <= $4 THEN $3
				ELSE rate_limits.expires_at
			END
		RETURNING count, window_start`

	var (
		count       int64
		windowStart time.Time
	)
	err := s.pool.QueryRow(ctx, query, key, now, now.Add(window), cutoff).Scan(&count, &windowStart)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres rate limit: %w", err)
	}
	return count, windowStart.Add(window).Sub(now), nil
}

// DeleteExpired removes rows whose window has closed.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired rate limits: %w", err)
	}
	return tag.RowsAffected(), nil
}
