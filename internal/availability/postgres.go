package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const slotColumns = `
	id, to_char(slot_date, 'YYYY-MM-DD'), to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
	duration_minutes, is_available, blocked_by_calendar, blocked_by_booking`

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore persists slots and bookings.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.Date, &s.StartTime, &s.EndTime,
		&s.DurationMinutes, &s.IsAvailable, &s.BlockedByCalendar, &s.BlockedByBooking)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, start, end string) ([]Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE slot_date BETWEEN $1::date AND $2::date
		  AND is_available AND NOT blocked_by_calendar AND NOT blocked_by_booking
		ORDER BY slot_date, start_time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	s, err := scanSlot(p.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM availability_slots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return s, nil
}

// CreateBooking locks the slot row, inserts the booking and marks the slot
// booked. The partial unique index on bookings(slot_id) is the final guard.
func (p *PostgresStore) CreateBooking(ctx context.Context, b *Booking) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		slot, err := scanSlot(tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM availability_slots WHERE id = $1 FOR UPDATE`, b.SlotID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSlotNotFound
		}
		if err != nil {
			return err
		}
		if !slot.Open() {
			return ErrSlotUnavailable
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO bookings (slot_id, user_id, client_name, client_email, client_phone, matter_type, notes, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			b.SlotID, b.UserID, b.ClientName, b.ClientEmail, b.ClientPhone, b.MatterType, b.Notes, b.Status,
		).Scan(&b.ID, &b.CreatedAt)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE availability_slots SET blocked_by_booking = true WHERE id = $1`, b.SlotID)
		return err
	})
	if database.IsUniqueViolation(err) {
		return ErrSlotUnavailable
	}
	return err
}

// InsertSlots adds generated slots, skipping any (date, start) that already exists.
func (p *PostgresStore) InsertSlots(ctx context.Context, slots []Slot) (int64, error) {
	if len(slots) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, s := range slots {
		batch.Queue(`
			INSERT INTO availability_slots (slot_date, start_time, end_time, duration_minutes)
			VALUES ($1::date, $2::time, $3::time, $4)
			ON CONFLICT (slot_date, start_time) DO NOTHING`,
			s.Date, s.StartTime, s.EndTime, s.DurationMinutes)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range slots {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert slot: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}
