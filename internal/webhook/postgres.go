package webhook

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

// NewPostgresStore records processed webhook events.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Claim(ctx context.Context, provider, eventID, eventType string) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, status)
		VALUES ($1, $2, $3, 'processing')
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING id`, provider, eventID, eventType).Scan(&id)
	if err == nil {
		return true, "", nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, "", err
	}

	var status string
	err = p.pool.QueryRow(ctx, `
		SELECT status FROM webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the insert and the read; the next delivery will claim it.
		return false, "", nil
	}
	return false, status, err
}

func (p *PostgresStore) Get(ctx context.Context, provider, eventID string) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var e Event
	err := p.pool.QueryRow(ctx, `
		SELECT provider, event_id, event_type, status, error, received_at, processed_at
		FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID).
		Scan(&e.Provider, &e.EventID, &e.EventType, &e.Status, &e.Error, &e.ReceivedAt, &e.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresStore) Mark(ctx context.Context, provider, eventID, eventType, status, errText string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, status, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (provider, event_id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			processed_at = now()`,
		provider, eventID, eventType, status, errText)
	return err
}

func (p *PostgresStore) Release(ctx context.Context, provider, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `
		DELETE FROM webhook_events
		WHERE provider = $1 AND event_id = $2 AND status = 'failed'`, provider, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `
		DELETE FROM webhook_events
		WHERE status = 'processing' AND received_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
