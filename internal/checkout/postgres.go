package checkout

import (
	"context"
	"encoding/json"
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

// NewPostgresStore persists documents, orders and abandoned carts.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) DocumentsBySlug(ctx context.Context, slugs []string) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT id, slug, title, description, price_cents
		FROM documents WHERE active AND slug = ANY($1)`, slugs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Document])
}

func (p *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT id, slug, title, description, price_cents
		FROM documents WHERE active ORDER BY title`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Document])
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	return p.pool.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, email, subtotal_cents, discount_cents, xp_redeemed, status, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		o.ID, o.UserID, o.Email, o.SubtotalCents, o.DiscountCents, o.XPRedeemed, o.Status, items,
	).Scan(&o.CreatedAt)
}

func (p *PostgresStore) AttachSession(ctx context.Context, orderID uuid.UUID, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := p.pool.Exec(ctx, `UPDATE orders SET stripe_session_id = $2 WHERE id = $1`, orderID, sessionID)
	return err
}

const orderColumns = `id, user_id, email, COALESCE(stripe_session_id, ''), subtotal_cents, discount_cents, xp_redeemed, status, items, created_at, paid_at, xp_settled_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o     Order
		items []byte
	)
	err := row.Scan(&o.ID, &o.UserID, &o.Email, &o.StripeSessionID, &o.SubtotalCents, &o.DiscountCents,
		&o.XPRedeemed, &o.Status, &items, &o.CreatedAt, &o.PaidAt, &o.XPSettledAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	return &o, nil
}

// transition moves a pending order to status, or returns one already in
// status whose XP is unsettled. Anything else reports ok=false.
func (p *PostgresStore) transition(ctx context.Context, sessionID, status string) (*Order, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	o, err := scanOrder(p.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $2, paid_at = CASE WHEN $2 = 'paid' THEN COALESCE(paid_at, now()) ELSE paid_at END
		WHERE stripe_session_id = $1
		  AND (status = 'pending' OR (status = $2 AND xp_settled_at IS NULL))
		RETURNING `+orderColumns, sessionID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

func (p *PostgresStore) MarkOrderPaid(ctx context.Context, sessionID string) (*Order, bool, error) {
	return p.transition(ctx, sessionID, OrderPaid)
}

func (p *PostgresStore) ExpireOrder(ctx context.Context, sessionID string) (*Order, bool, error) {
	return p.transition(ctx, sessionID, OrderExpired)
}

func (p *PostgresStore) MarkXPSettled(ctx context.Context, orderID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := p.pool.Exec(ctx, `UPDATE orders SET xp_settled_at = now() WHERE id = $1 AND xp_settled_at IS NULL`, orderID)
	return err
}

// UpsertAbandonedCart serialises writers per email with an advisory lock so
// only one pending row exists for an address.
func (p *PostgresStore) UpsertAbandonedCart(ctx context.Context, email string, items []LineItem) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	payload, err := json.Marshal(items)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode items: %w", err)
	}

	var id uuid.UUID
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('cart:' || $1))`, email); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			UPDATE abandoned_carts SET items = $2, updated_at = now()
			WHERE email = $1 AND status = 'pending'
			RETURNING id`, email, payload).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO abandoned_carts (email, items) VALUES ($1, $2)
			RETURNING id`, email, payload).Scan(&id)
	})
	return id, err
}

func (p *PostgresStore) MarkCartRecovered(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
		UPDATE abandoned_carts SET status = 'recovered', recovered_at = now(), updated_at = now()
		WHERE email = $1 AND status = 'pending'`, email)
	return err
}

func (p *PostgresStore) DueReminders(ctx context.Context, before time.Time, maxReminders, limit int) ([]AbandonedCart, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT id, email, items, status, reminder_count, last_reminded_at, updated_at
		FROM abandoned_carts
		WHERE status = 'pending'
		  AND reminder_count < $2
		  AND COALESCE(last_reminded_at, updated_at) <= $1
		ORDER BY updated_at
		LIMIT $3`, before, maxReminders, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AbandonedCart
	for rows.Next() {
		var (
			c     AbandonedCart
			items []byte
		)
		if err := rows.Scan(&c.ID, &c.Email, &items, &c.Status, &c.ReminderCount, &c.LastRemindedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(items, &c.Items); err != nil {
			return nil, fmt.Errorf("decode cart items: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkReminded(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
		UPDATE abandoned_carts
		SET reminder_count = reminder_count + 1, last_reminded_at = now()
		WHERE id = $1`, id)
	return err
}
