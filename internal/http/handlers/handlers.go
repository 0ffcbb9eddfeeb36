package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/diagnosis/counsel-portal/internal/account"
	"github.com/diagnosis/counsel-portal/internal/analytics"
	"github.com/diagnosis/counsel-portal/internal/availability"
	"github.com/diagnosis/counsel-portal/internal/chat"
	"github.com/diagnosis/counsel-portal/internal/checkout"
	"github.com/diagnosis/counsel-portal/internal/content"
	"github.com/diagnosis/counsel-portal/internal/csrf"
	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/diagnosis/counsel-portal/internal/lockout"
	"github.com/diagnosis/counsel-portal/internal/ratelimit"
	"github.com/diagnosis/counsel-portal/internal/webhook"
	"github.com/diagnosis/counsel-portal/internal/xp"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	mw "github.com/diagnosis/counsel-portal/pkg/middleware"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type Slots interface {
	ListSlots(ctx context.Context, start, end string) ([]availability.DaySlots, error)
	ValidateSlot(ctx context.Context, slotID string) (availability.Validation, error)
	Book(ctx context.Context, req availability.BookingRequest) (*availability.Booking, error)
}

type Lockout interface {
	Check(ctx context.Context, email string) (lockout.Status, error)
	RecordFailedAttempt(ctx context.Context, email string) (lockout.Status, error)
	Clear(ctx context.Context, email string) error
}

type Accounts interface {
	Register(ctx context.Context, email, password, name string) (*account.Session, error)
	Login(ctx context.Context, email, password string) (*account.Session, error)
}

type XP interface {
	Status(ctx context.Context, userID uuid.UUID) (xp.Status, error)
	Earn(ctx context.Context, userID uuid.UUID, action string) (xp.Award, xp.Status, error)
	EarnRequested(ctx context.Context, userID uuid.UUID, action string) (xp.Award, xp.Status, error)
	Redeem(ctx context.Context, userID uuid.UUID, amount, orderTotalCents int64) (xp.Redemption, error)
}

type Store interface {
	Catalogue(ctx context.Context) ([]checkout.Document, error)
	CreateCheckout(ctx context.Context, c checkout.Customer, req checkout.CheckoutRequest) (*checkout.CheckoutResult, error)
	RecordAbandonedCart(ctx context.Context, email string, items []checkout.CartItem) (uuid.UUID, error)
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (webhook.Outcome, error)
}

type Content interface {
	List(ctx context.Context, kind, category string) ([]content.Entry, error)
	Get(ctx context.Context, kind, slug string) (*content.Entry, error)
}

type Analytics interface {
	RecordPageView(ctx context.Context, pv analytics.PageView) error
	Rollup(ctx context.Context, day string) (map[string]int64, error)
	Dashboard(ctx context.Context) (*analytics.Dashboard, error)
	Daily(ctx context.Context, from, to string) ([]analytics.DailyRow, error)
}

type Assistant interface {
	Reply(ctx context.Context, history []chat.Message) (string, error)
}

type Webhooks interface {
	Release(ctx context.Context, provider, eventID string) error
}

// Check is one health dependency. Critical checks turn the endpoint 503.
type Check struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

type Handlers struct {
	Slots     Slots
	Lockout   Lockout
	Accounts  Accounts
	XP        XP
	Store     Store
	Content   Content
	Analytics Analytics
	Assistant Assistant
	Webhooks  Webhooks
	Checks    []Check

	Limiter        *ratelimit.Limiter
	CSRF           *csrf.Guard
	Idempotency    mw.IdempotencyStore
	IdempotencyTTL time.Duration
	JWTSecret      string
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return false
	}
	return true
}

func writeLocked(w http.ResponseWriter, st lockout.Status) {
	secs := int64(st.RetryAfter.Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	response.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":        "Too many failed attempts. Try again later.",
		"code":         response.CodeLocked,
		"locked":       true,
		"locked_until": st.LockedUntil,
		"retry_after":  secs,
	})
}

// fail maps domain errors onto HTTP responses. Anything unrecognised is a 500
// and is logged with the action tag.
func fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	var slotErr *availability.SlotError
	var locked *account.LockedError
	var creds *account.CredentialsError

	switch {
	case errors.As(err, &locked):
		writeLocked(w, locked.Status)
	case errors.As(err, &creds):
		response.WriteJSON(w, http.StatusUnauthorized, map[string]any{
			"error":              err.Error(),
			"code":               response.CodeUnauthorized,
			"remaining_attempts": creds.RemainingAttempts,
		})
	case errors.As(err, &slotErr):
		if slotErr.Reason == availability.ReasonDatePassed {
			response.WriteError(w, http.StatusBadRequest, slotErr.Reason, response.CodeSlotPast)
			return
		}
		response.WriteError(w, http.StatusConflict, slotErr.Reason, response.CodeSlotTaken)

	case errors.Is(err, xp.ErrInsufficientXP):
		response.WriteError(w, http.StatusBadRequest, redemptionMessage(err), response.CodeInsufficient)
	case errors.Is(err, xp.ErrBelowMinimum):
		response.WriteError(w, http.StatusBadRequest, redemptionMessage(err), response.CodeBelowMinimum)
	case errors.Is(err, xp.ErrOverCap):
		response.WriteError(w, http.StatusBadRequest, redemptionMessage(err), response.CodeOverCap)
	case errors.Is(err, xp.ErrInvalidAmount),
		errors.Is(err, xp.ErrInvalidOrderTotal):
		response.BadRequest(w, redemptionMessage(err))
	case errors.Is(err, xp.ErrActionLimit),
		errors.Is(err, account.ErrEmailTaken),
		errors.Is(err, webhook.ErrNotReleasable):
		response.Conflict(w, err.Error())

	case errors.Is(err, availability.ErrSlotNotFound),
		errors.Is(err, content.ErrNotFound),
		errors.Is(err, content.ErrUnknownKind):
		response.NotFound(w, err.Error())

	case errors.Is(err, checkout.ErrSignInRequired):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, checkout.ErrPaymentsDisabled),
		errors.Is(err, chat.ErrUnavailable):
		response.ServiceUnavailable(w, err.Error())

	case isValidation(err):
		response.BadRequest(w, err.Error())

	default:
		logger.ErrorContext(logger.WithAction(r.Context(), action), "request failed", "error", err)
		response.InternalError(w, "Something went wrong. Please try again.")
	}
}

// redemptionMessages is the client wording for redemption failures.
var redemptionMessages = []struct {
	err error
	msg string
}{
	{xp.ErrInvalidAmount, "Redemption amount must be positive"},
	{xp.ErrInvalidOrderTotal, "Order total must be positive"},
	{xp.ErrInsufficientXP, "Insufficient XP balance"},
	{xp.ErrBelowMinimum, fmt.Sprintf("Minimum redemption is %d XP", xp.MinRedemptionXP)},
	{xp.ErrOverCap, fmt.Sprintf("Redemption cannot exceed %d%% of the order total", xp.MaxRedemptionPercent)},
}

func redemptionMessage(err error) string {
	for _, m := range redemptionMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return err.Error()
}

var validationErrors = []error{
	availability.ErrInvalidDate,
	availability.ErrInvalidRange,
	availability.ErrRangeTooLong,
	availability.ErrInvalidSlotID,
	availability.ErrInvalidBooking,
	lockout.ErrEmailRequired,
	account.ErrInvalidEmail,
	account.ErrWeakPassword,
	xp.ErrUnknownAction,
	xp.ErrServerAction,
	checkout.ErrEmptyCart,
	checkout.ErrTooManyItems,
	checkout.ErrInvalidQuantity,
	checkout.ErrUnknownDocument,
	checkout.ErrInvalidEmail,
	checkout.ErrInvalidSignature,
	analytics.ErrInvalidPath,
	analytics.ErrInvalidDate,
	analytics.ErrInvalidRange,
	chat.ErrEmptyConversation,
	chat.ErrInvalidRole,
}

func isValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
