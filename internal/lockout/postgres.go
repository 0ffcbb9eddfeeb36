package lockout

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore tracks failed logins per email.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, email string) (*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var a Attempt
	err := s.pool.QueryRow(ctx, `
		SELECT email, failed_count, locked_until, last_failed_at
		FROM login_attempts WHERE email = $1`, email).
		Scan(&a.Email, &a.FailedCount, &a.LockedUntil, &a.LastFailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RecordFailure increments the counter in one statement. A lock that has
// already expired restarts the count at 1; an active lock is left alone.
func (s *PostgresStore) RecordFailure(ctx context.Context, email string, now time.Time, threshold int, lockUntil time.Time) (*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	query := `
		INSERT INTO login_attempts (email, failed_count, locked_until, last_failed_at)
		VALUES ($1, 1, CASE WHEN 1 >= $3 THEN $4::timestamptz END, $2)
		ON CONFLICT (email) DO UPDATE SET
			failed_count = CASE
				WHEN login_attempts.locked_until IS NOT NULL AND login_attempts.locked_until <= $2 THEN 1
				ELSE login_attempts.failed_count + 1
			END,
			locked_until = CASE
				WHEN login_attempts.locked_until > $2 THEN login_attempts.locked_until
				WHEN login_attempts.locked_until IS NOT NULL THEN CASE WHEN 1 >= $3 THEN $4::timestamptz END
				WHEN login_attempts.failed_count + 1 >= $3 THEN $4::timestamptz
				ELSE NULL
			END,
			last_failed_at = $2
		RETURNING email, failed_count, locked_until, last_failed_at`

	var a Attempt
	err := s.pool.QueryRow(ctx, query, email, now, threshold, lockUntil).
		Scan(&a.Email, &a.FailedCount, &a.LockedUntil, &a.LastFailedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) Clear(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `DELETE FROM login_attempts WHERE email = $1`, email)
	return err
}

// DeleteStale drops rows with no active lock and no failure since before.
func (s *PostgresStore) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM login_attempts
		WHERE last_failed_at < $1 AND (locked_until IS NULL OR locked_until < now())`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
