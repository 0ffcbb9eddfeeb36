package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxCartLines   = 20
	MaxLineQty     = 10
	ProviderStripe = "stripe"
)

var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrTooManyItems     = errors.New("cart has too many items")
	ErrInvalidQuantity  = errors.New("item quantity must be between 1 and 10")
	ErrUnknownDocument  = errors.New("unknown document")
	ErrInvalidEmail     = errors.New("a valid email is required")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrPaymentsDisabled = errors.New("payments are not configured")
	ErrSignInRequired   = errors.New("sign in to redeem XP")
)

type Document struct {
	ID          uuid.UUID `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	PriceCents  int64     `json:"price_cents"`
}

// CartItem is what the browser sends.
type CartItem struct {
	Slug     string `json:"slug"`
	Quantity int    `json:"quantity"`
}

// LineItem is a priced cart line.
type LineItem struct {
	DocumentID uuid.UUID `json:"document_id"`
	Slug       string    `json:"slug"`
	Title      string    `json:"title"`
	UnitCents  int64     `json:"unit_cents"`
	Quantity   int       `json:"quantity"`
}

func (l LineItem) TotalCents() int64 {
	return l.UnitCents * int64(l.Quantity)
}

const (
	OrderPending = "pending"
	OrderPaid    = "paid"
	OrderExpired = "expired"
)

type Order struct {
	ID              uuid.UUID  `json:"id"`
	UserID          *uuid.UUID `json:"user_id,omitempty"`
	Email           string     `json:"email"`
	StripeSessionID string     `json:"stripe_session_id,omitempty"`
	SubtotalCents   int64      `json:"subtotal_cents"`
	DiscountCents   int64      `json:"discount_cents"`
	XPRedeemed      int64      `json:"xp_redeemed"`
	Status          string     `json:"status"`
	Items           []LineItem `json:"items"`
	CreatedAt       time.Time  `json:"created_at"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	// XPSettledAt is set once the purchase award or the redemption refund
	// for this order has been applied.
	XPSettledAt *time.Time `json:"-"`
}

func (o Order) TotalCents() int64 {
	return o.SubtotalCents - o.DiscountCents
}

const (
	CartPending   = "pending"
	CartRecovered = "recovered"
)

type AbandonedCart struct {
	ID             uuid.UUID  `json:"id"`
	Email          string     `json:"email"`
	Items          []LineItem `json:"items"`
	Status         string     `json:"status"`
	ReminderCount  int        `json:"reminder_count"`
	LastRemindedAt *time.Time `json:"last_reminded_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Store persists the catalogue, orders and abandoned carts.
type Store interface {
	DocumentsBySlug(ctx context.Context, slugs []string) ([]Document, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	CreateOrder(ctx context.Context, o *Order) error
	AttachSession(ctx context.Context, orderID uuid.UUID, sessionID string) error
	// MarkOrderPaid moves a pending order to paid. An order that is already
	// paid but not XP-settled is returned again so a redelivered event can
	// finish it. ok is false when there is nothing left to do.
	MarkOrderPaid(ctx context.Context, sessionID string) (*Order, bool, error)
	ExpireOrder(ctx context.Context, sessionID string) (*Order, bool, error)
	MarkXPSettled(ctx context.Context, orderID uuid.UUID) error
	// UpsertAbandonedCart keeps at most one pending cart per email.
	UpsertAbandonedCart(ctx context.Context, email string, items []LineItem) (uuid.UUID, error)
	MarkCartRecovered(ctx context.Context, email string) error
	DueReminders(ctx context.Context, before time.Time, maxReminders, limit int) ([]AbandonedCart, error)
	MarkReminded(ctx context.Context, id uuid.UUID) error
}
