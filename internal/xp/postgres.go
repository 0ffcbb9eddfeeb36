package xp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore keeps XP balances and the transaction log.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) GetState(ctx context.Context, userID uuid.UUID) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	st := State{UserID: userID}
	err := p.pool.QueryRow(ctx, `
		SELECT total_xp, redeemed_xp, lifetime_spend, updated_at
		FROM xp_states WHERE user_id = $1`, userID).
		Scan(&st.TotalXP, &st.RedeemedXP, &st.LifetimeSpendCents, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	return st, err
}

func (p *PostgresStore) CountAwards(ctx context.Context, userID uuid.UUID, source string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM xp_transactions
		WHERE user_id = $1 AND kind = 'earn' AND source = $2`, userID, source).Scan(&n)
	return n, err
}

// LoginStreak counts consecutive daily_login days ending today or yesterday
// in the firm's time zone.
func (p *PostgresStore) LoginStreak(ctx context.Context, userID uuid.UUID, today string, tz string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	query := `
		WITH days AS (
			SELECT DISTINCT (created_at AT TIME ZONE $2)::date AS d
			FROM xp_transactions
			WHERE user_id = $1 AND kind = 'earn' AND source = 'daily_login'
		), ranked AS (
			SELECT d, d + (row_number() OVER (ORDER BY d DESC))::int AS grp FROM days
		)
		SELECT count(*) FROM ranked
		WHERE grp = (SELECT grp FROM ranked ORDER BY d DESC LIMIT 1)
		  AND (SELECT max(d) FROM days) >= $3::date - 1`

	var n int
	if err := p.pool.QueryRow(ctx, query, userID, tz, today).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// lockState ensures the user's row exists and holds its lock for the transaction.
func lockState(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (State, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO xp_states (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return State{}, err
	}
	st := State{UserID: userID}
	err := tx.QueryRow(ctx, `
		SELECT total_xp, redeemed_xp, lifetime_spend, updated_at
		FROM xp_states WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&st.TotalXP, &st.RedeemedXP, &st.LifetimeSpendCents, &st.UpdatedAt)
	return st, err
}

func (p *PostgresStore) Award(ctx context.Context, userID uuid.UUID, award Award, spendCents int64, limit Limit) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var st State
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := lockState(ctx, tx, userID); err != nil {
			return err
		}

		if limit.Max > 0 {
			var n int
			err := tx.QueryRow(ctx, `
				SELECT count(*) FROM xp_transactions
				WHERE user_id = $1 AND kind = 'earn' AND source = $2 AND created_at >= $3`,
				userID, award.Source, limit.Since).Scan(&n)
			if err != nil {
				return err
			}
			if n >= limit.Max {
				return ErrActionLimit
			}
		}

		st = State{UserID: userID}
		err := tx.QueryRow(ctx, `
			UPDATE xp_states
			SET total_xp = total_xp + $2, lifetime_spend = lifetime_spend + $3, updated_at = now()
			WHERE user_id = $1
			RETURNING total_xp, redeemed_xp, lifetime_spend, updated_at`,
			userID, award.Total, spendCents).
			Scan(&st.TotalXP, &st.RedeemedXP, &st.LifetimeSpendCents, &st.UpdatedAt)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO xp_transactions (user_id, kind, source, amount, multiplier)
			VALUES ($1, 'earn', $2, $3, $4)`,
			userID, award.Source, award.Total, award.Multiplier)
		return err
	})
	if err != nil && !errors.Is(err, ErrActionLimit) {
		return State{}, fmt.Errorf("award xp: %w", err)
	}
	return st, err
}

func (p *PostgresStore) Redeem(ctx context.Context, userID uuid.UUID, xp int64, check func(available int64) error) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var st State
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		current, err := lockState(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := check(current.Available()); err != nil {
			return err
		}

		st = State{UserID: userID}
		err = tx.QueryRow(ctx, `
			UPDATE xp_states
			SET redeemed_xp = redeemed_xp + $2, updated_at = now()
			WHERE user_id = $1
			RETURNING total_xp, redeemed_xp, lifetime_spend, updated_at`, userID, xp).
			Scan(&st.TotalXP, &st.RedeemedXP, &st.LifetimeSpendCents, &st.UpdatedAt)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO xp_transactions (user_id, kind, source, amount)
			VALUES ($1, 'redeem', 'redemption', $2)`, userID, xp)
		return err
	})
	return st, err
}

func (p *PostgresStore) Restore(ctx context.Context, userID uuid.UUID, xp int64, reason string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var st State
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		st = State{UserID: userID}
		err := tx.QueryRow(ctx, `
			UPDATE xp_states
			SET redeemed_xp = GREATEST(redeemed_xp - $2, 0), updated_at = now()
			WHERE user_id = $1
			RETURNING total_xp, redeemed_xp, lifetime_spend, updated_at`, userID, xp).
			Scan(&st.TotalXP, &st.RedeemedXP, &st.LifetimeSpendCents, &st.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO xp_transactions (user_id, kind, source, amount)
			VALUES ($1, 'restore', $2, $3)`, userID, reason, xp)
		return err
	})
	return st, err
}
