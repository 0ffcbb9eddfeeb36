package content

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

// NewPostgresStore reads published content entries.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) List(ctx context.Context, kind, category string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT kind, slug, title, summary, '' AS body, category, published_at
		FROM content_entries
		WHERE kind = $1 AND published_at IS NOT NULL AND published_at <= now()
		  AND ($2 = '' OR lower(category) = $2)
		ORDER BY published_at DESC
		LIMIT 200`, kind, category)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Entry])
}

func (s *PostgresStore) Get(ctx context.Context, kind, slug string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var e Entry
	err := s.pool.QueryRow(ctx, `
		SELECT kind, slug, title, summary, body, category, published_at
		FROM content_entries
		WHERE kind = $1 AND slug = $2 AND published_at IS NOT NULL AND published_at <= now()`,
		kind, slug).Scan(&e.Kind, &e.Slug, &e.Title, &e.Summary, &e.Body, &e.Category, &e.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
