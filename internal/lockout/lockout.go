package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/counsel-portal/internal/utils"
	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
)

var ErrEmailRequired = errors.New("email is required")

// Attempt is the stored failure state for one email.
type Attempt struct {
	Email        string
	FailedCount  int
	LockedUntil  *time.Time
	LastFailedAt time.Time
}

// Store persists attempts. RecordFailure must apply the update atomically.
type Store interface {
	Get(ctx context.Context, email string) (*Attempt, error)
	RecordFailure(ctx context.Context, email string, now time.Time, threshold int, lockUntil time.Time) (*Attempt, error)
	Clear(ctx context.Context, email string) error
}

// Status is what callers see for an email.
type Status struct {
	Locked            bool          `json:"locked"`
	RemainingAttempts int           `json:"remaining_attempts"`
	LockedUntil       *time.Time    `json:"locked_until,omitempty"`
	RetryAfter        time.Duration `json:"-"`
}

type Tracker struct {
	store       Store
	bus         events.Publisher
	metrics     *metrics.Metrics
	maxAttempts int
	lockFor     time.Duration
	now         func() time.Time
}

func NewTracker(store Store, bus events.Publisher, m *metrics.Metrics, maxAttempts int, lockFor time.Duration) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockFor <= 0 {
		lockFor = 15 * time.Minute
	}
	return &Tracker{store: store, bus: bus, metrics: m, maxAttempts: maxAttempts, lockFor: lockFor, now: time.Now}
}

// Check reports whether email is currently locked.
func (t *Tracker) Check(ctx context.Context, email string) (Status, error) {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return Status{}, ErrEmailRequired
	}

	a, err := t.store.Get(ctx, email)
	if err != nil {
		return Status{}, fmt.Errorf("get login attempts: %w", err)
	}
	return t.status(a), nil
}

// RecordFailedAttempt counts a failure and locks the email once the threshold is reached.
func (t *Tracker) RecordFailedAttempt(ctx context.Context, email string) (Status, error) {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return Status{}, ErrEmailRequired
	}

	now := t.now()
	a, err := t.store.RecordFailure(ctx, email, now, t.maxAttempts, now.Add(t.lockFor))
	if err != nil {
		return Status{}, fmt.Errorf("record failed attempt: %w", err)
	}

	st := t.status(a)
	if st.Locked && a.FailedCount == t.maxAttempts {
		logger.WarnContext(ctx, "account locked after failed logins", "failures", a.FailedCount, "locked_until", a.LockedUntil)
		if t.metrics != nil {
			t.metrics.Lockouts.Inc()
		}
		if t.bus != nil {
			evt := events.AccountLockedEvent{Email: email, Failures: a.FailedCount, LockedUntil: *a.LockedUntil}
			if err := t.bus.Publish(ctx, events.AccountLocked, evt); err != nil {
				logger.WarnContext(ctx, "failed to publish lockout event", "error", err)
			}
		}
	}
	return st, nil
}

// Clear resets the counter after a successful login.
func (t *Tracker) Clear(ctx context.Context, email string) error {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}
	if err := t.store.Clear(ctx, email); err != nil {
		return fmt.Errorf("clear login attempts: %w", err)
	}
	return nil
}

func (t *Tracker) status(a *Attempt) Status {
	if a == nil {
		return Status{RemainingAttempts: t.maxAttempts}
	}
	now := t.now()
	if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
		return Status{Locked: true, LockedUntil: a.LockedUntil, RetryAfter: a.LockedUntil.Sub(now)}
	}
	if a.LockedUntil != nil {
		// Expired lock: the next failure starts a new count.
		return Status{RemainingAttempts: t.maxAttempts}
	}
	remaining := t.maxAttempts - a.FailedCount
	if remaining < 0 {
		remaining = 0
	}
	return Status{RemainingAttempts: remaining}
}
