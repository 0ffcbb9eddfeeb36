package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/counsel-portal/internal/lockout"
	"github.com/diagnosis/counsel-portal/internal/utils"
	"github.com/diagnosis/counsel-portal/internal/xp"
	"github.com/diagnosis/counsel-portal/pkg/auth"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/google/uuid"
)

const minPasswordLen = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLen)
	ErrInvalidEmail       = errors.New("a valid email is required")
	ErrAccountLocked      = errors.New("account temporarily locked")
)

// LockedError carries the lock state so callers can report when to retry.
type LockedError struct {
	Status lockout.Status
}

func (e *LockedError) Error() string { return ErrAccountLocked.Error() }

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	// FindByEmail returns nil, nil when no user matches.
	FindByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, email, hash, name string) (*User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	LinkExistingBookings(ctx context.Context, userID uuid.UUID, email string) error
}

// Lockout is the failed-login tracker.
type Lockout interface {
	Check(ctx context.Context, email string) (lockout.Status, error)
	RecordFailedAttempt(ctx context.Context, email string) (lockout.Status, error)
	Clear(ctx context.Context, email string) error
}

// LoginRewards credits the daily login XP.
type LoginRewards interface {
	Earn(ctx context.Context, userID uuid.UUID, action string) (xp.Award, xp.Status, error)
}

type Session struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

type Service struct {
	store    Store
	lockout  Lockout
	rewards  LoginRewards
	secret   string
	tokenTTL time.Duration
	now      func() time.Time
}

func NewService(store Store, lk Lockout, rewards LoginRewards, secret string, tokenTTL time.Duration) *Service {
	return &Service{store: store, lockout: lk, rewards: rewards, secret: secret, tokenTTL: tokenTTL, now: time.Now}
}

// Register creates a client account.
func (s *Service) Register(ctx context.Context, email, password, name string) (*Session, error) {
	email = utils.NormalizeEmail(email)
	if !utils.IsValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if len([]rune(password)) < minPasswordLen {
		return nil, ErrWeakPassword
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.store.Create(ctx, email, hash, utils.Truncate(utils.NormalizeString(name), 120))
	if err != nil {
		return nil, err
	}
	if err := s.store.LinkExistingBookings(ctx, u.ID, email); err != nil {
		logger.WarnContext(ctx, "failed to link guest bookings", "user_id", u.ID, "error", err)
	}
	return s.issue(u)
}

// Login checks the lock, then the credentials, and records the outcome.
// The lock is checked first so a locked account never reaches the hash compare.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = utils.NormalizeEmail(email)
	if !utils.IsValidEmail(email) || password == "" {
		return nil, ErrInvalidCredentials
	}

	st, err := s.lockout.Check(ctx, email)
	if err != nil {
		return nil, err
	}
	if st.Locked {
		return nil, &LockedError{Status: st}
	}

	u, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}

	ok := false
	if u != nil {
		ok, err = auth.CheckPassword(password, u.PasswordHash)
		if err != nil {
			logger.WarnContext(ctx, "password check failed", "user_id", u.ID, "error", err)
			ok = false
		}
	}
	if !ok {
		return nil, s.fail(ctx, email)
	}

	if err := s.lockout.Clear(ctx, email); err != nil {
		logger.WarnContext(ctx, "failed to clear login attempts", "error", err)
	}

	if auth.NeedsRehash(u.PasswordHash) {
		if hash, err := auth.HashPassword(password); err == nil {
			if err := s.store.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
				logger.WarnContext(ctx, "failed to upgrade password hash", "user_id", u.ID, "error", err)
			}
		}
	}

	if s.rewards != nil {
		if _, _, err := s.rewards.Earn(ctx, u.ID, "daily_login"); err != nil && !errors.Is(err, xp.ErrActionLimit) {
			logger.WarnContext(ctx, "failed to award login xp", "user_id", u.ID, "error", err)
		}
	}

	return s.issue(u)
}

func (s *Service) fail(ctx context.Context, email string) error {
	st, err := s.lockout.RecordFailedAttempt(ctx, email)
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	if st.Locked {
		return &LockedError{Status: st}
	}
	return &CredentialsError{RemainingAttempts: st.RemainingAttempts}
}

// CredentialsError is a wrong email/password with the attempts left before a lock.
type CredentialsError struct {
	RemainingAttempts int
}

func (e *CredentialsError) Error() string { return ErrInvalidCredentials.Error() }

func (e *CredentialsError) Is(target error) bool { return target == ErrInvalidCredentials }

func (s *Service) issue(u *User) (*Session, error) {
	token, err := auth.NewAccessToken(u.ID.String(), u.Email, u.Role, s.secret, s.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{Token: token, ExpiresAt: s.now().Add(s.tokenTTL), User: u}, nil
}
