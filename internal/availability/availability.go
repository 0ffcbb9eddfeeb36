package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/counsel-portal/internal/utils"
	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
	"github.com/google/uuid"
)

const (
	DateLayout   = "2006-01-02"
	MaxRangeDays = 90
)

var (
	ErrInvalidDate     = errors.New("dates must use YYYY-MM-DD format")
	ErrInvalidRange    = errors.New("start date must not be after end date")
	ErrRangeTooLong    = fmt.Errorf("date range cannot exceed %d days", MaxRangeDays)
	ErrInvalidSlotID   = errors.New("slot id must be a valid UUID")
	ErrSlotNotFound    = errors.New("slot not found")
	ErrSlotUnavailable = errors.New("slot is no longer available")
	ErrInvalidBooking  = errors.New("invalid booking request")
)

// Reasons reported when a slot fails validation.
const (
	ReasonDatePassed      = "Slot date has passed"
	ReasonNotAvailable    = "Slot is not available"
	ReasonBlockedCalendar = "Slot is blocked by a calendar event"
	ReasonBooked          = "Slot is already booked"
	ReasonTaken           = "Slot is no longer available"
)

type Slot struct {
	ID                uuid.UUID `json:"id"`
	Date              string    `json:"date"`
	StartTime         string    `json:"start_time"`
	EndTime           string    `json:"end_time"`
	DurationMinutes   int       `json:"duration_minutes"`
	IsAvailable       bool      `json:"is_available"`
	BlockedByCalendar bool      `json:"blocked_by_calendar"`
	BlockedByBooking  bool      `json:"blocked_by_booking"`
}

// Open reports whether none of the three flags block the slot.
func (s Slot) Open() bool {
	return s.IsAvailable && !s.BlockedByCalendar && !s.BlockedByBooking
}

type DaySlots struct {
	Date  string `json:"date"`
	Slots []Slot `json:"slots"`
}

type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Slot   *Slot  `json:"slot,omitempty"`
}

// SlotError carries the human reason a slot cannot be booked.
type SlotError struct {
	Reason string
}

func (e *SlotError) Error() string { return e.Reason }

func (e *SlotError) Is(target error) bool { return target == ErrSlotUnavailable }

type BookingRequest struct {
	SlotID     string     `json:"slot_id"`
	UserID     *uuid.UUID `json:"-"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone"`
	MatterType string     `json:"matter_type"`
	Notes      string     `json:"notes"`
}

type Booking struct {
	ID          uuid.UUID  `json:"id"`
	SlotID      uuid.UUID  `json:"slot_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	ClientName  string     `json:"client_name"`
	ClientEmail string     `json:"client_email"`
	ClientPhone string     `json:"client_phone,omitempty"`
	MatterType  string     `json:"matter_type"`
	Notes       string     `json:"notes,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	Slot        *Slot      `json:"slot,omitempty"`
}

// Store is the slot and booking persistence. CreateBooking must return
// ErrSlotUnavailable when another active booking already holds the slot.
type Store interface {
	ListOpen(ctx context.Context, start, end string) ([]Slot, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	CreateBooking(ctx context.Context, b *Booking) error
}

type Service struct {
	store   Store
	bus     events.Publisher
	metrics *metrics.Metrics
	loc     *time.Location
	now     func() time.Time
}

func NewService(store Store, bus events.Publisher, m *metrics.Metrics, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, bus: bus, metrics: m, loc: loc, now: time.Now}
}

// ParseRange validates an inclusive YYYY-MM-DD range.
func ParseRange(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidDate
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidDate
	}
	if s.After(e) {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	if e.Sub(s) > MaxRangeDays*24*time.Hour {
		return time.Time{}, time.Time{}, ErrRangeTooLong
	}
	return s, e, nil
}

// ListSlots returns open slots in [start, end], grouped by date in order.
func (s *Service) ListSlots(ctx context.Context, start, end string) ([]DaySlots, error) {
	if _, _, err := ParseRange(start, end); err != nil {
		return nil, err
	}

	slots, err := s.store.ListOpen(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	days := []DaySlots{}
	for _, slot := range slots {
		// The store filters already; this keeps the guarantee local.
		if !slot.Open() {
			continue
		}
		if n := len(days); n > 0 && days[n-1].Date == slot.Date {
			days[n-1].Slots = append(days[n-1].Slots, slot)
			continue
		}
		days = append(days, DaySlots{Date: slot.Date, Slots: []Slot{slot}})
	}
	return days, nil
}

// ValidateSlot re-reads one slot and reports whether it can still be booked.
func (s *Service) ValidateSlot(ctx context.Context, rawID string) (Validation, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Validation{}, ErrInvalidSlotID
	}

	slot, err := s.store.GetSlot(ctx, id)
	if err != nil {
		return Validation{}, err
	}

	if reason := s.check(*slot); reason != "" {
		return Validation{Valid: false, Reason: reason, Slot: slot}, nil
	}
	return Validation{Valid: true, Slot: slot}, nil
}

func (s *Service) check(slot Slot) string {
	today := s.now().In(s.loc).Format(DateLayout)
	// Both are YYYY-MM-DD, so lexical order is date order.
	if slot.Date < today {
		return ReasonDatePassed
	}
	switch {
	case !slot.IsAvailable:
		return ReasonNotAvailable
	case slot.BlockedByCalendar:
		return ReasonBlockedCalendar
	case slot.BlockedByBooking:
		return ReasonBooked
	}
	return ""
}

// Book validates the slot and inserts a confirmed booking.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Booking, error) {
	req.Name = utils.NormalizeString(req.Name)
	req.Email = utils.NormalizeEmail(req.Email)
	req.Phone = utils.NormalizePhone(req.Phone)
	req.MatterType = utils.NormalizeString(req.MatterType)
	if req.MatterType == "" {
		req.MatterType = "consultation"
	}

	switch {
	case req.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidBooking)
	case !utils.IsValidEmail(req.Email):
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidBooking)
	case req.Phone != "" && !utils.IsValidPhone(req.Phone):
		return nil, fmt.Errorf("%w: phone number is invalid", ErrInvalidBooking)
	case len(req.Notes) > 2000:
		return nil, fmt.Errorf("%w: notes are too long", ErrInvalidBooking)
	}

	v, err := s.ValidateSlot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		s.count("rejected")
		return nil, &SlotError{Reason: v.Reason}
	}

	b := &Booking{
		SlotID:      v.Slot.ID,
		UserID:      req.UserID,
		ClientName:  req.Name,
		ClientEmail: req.Email,
		ClientPhone: req.Phone,
		MatterType:  req.MatterType,
		Notes:       req.Notes,
		Status:      "confirmed",
	}
	if err := s.store.CreateBooking(ctx, b); err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			s.count("conflict")
			return nil, &SlotError{Reason: ReasonTaken}
		}
		s.count("error")
		return nil, fmt.Errorf("create booking: %w", err)
	}
	b.Slot = v.Slot
	s.count("confirmed")

	if s.bus != nil {
		evt := events.BookingCreatedEvent{
			BookingID:   b.ID.String(),
			SlotID:      b.SlotID.String(),
			ClientName:  b.ClientName,
			ClientEmail: b.ClientEmail,
			MatterType:  b.MatterType,
			Date:        v.Slot.Date,
			StartTime:   v.Slot.StartTime,
			EndTime:     v.Slot.EndTime,
			CreatedAt:   b.CreatedAt,
		}
		if err := s.bus.Publish(ctx, events.BookingCreated, evt); err != nil {
			logger.WarnContext(ctx, "failed to publish booking event", "error", err, "booking_id", b.ID)
		}
	}
	return b, nil
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.Bookings.WithLabelValues(outcome).Inc()
	}
}
