package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/counsel-portal/internal/mailer"
	"github.com/diagnosis/counsel-portal/internal/utils"
	"github.com/diagnosis/counsel-portal/internal/webhook"
	"github.com/diagnosis/counsel-portal/internal/xp"
	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/google/uuid"
)

// XPLedger is the part of the XP service checkout depends on.
type XPLedger interface {
	Redeem(ctx context.Context, userID uuid.UUID, xp, orderTotalCents int64) (xp.Redemption, error)
	Restore(ctx context.Context, userID uuid.UUID, xp int64, reason string) error
	AwardPurchase(ctx context.Context, userID uuid.UUID, amountCents int64) (xp.Award, error)
}

// Idempotency runs a webhook handler at most once per event.
type Idempotency interface {
	ProcessIdempotent(ctx context.Context, provider, eventID, eventType string, handler func(ctx context.Context) error) (webhook.Outcome, error)
}

// Reminders sends abandoned cart emails.
type Reminders interface {
	SendCartReminder(ctx context.Context, email string, items []mailer.ReminderItem, attempt int) error
}

type Service struct {
	store    Store
	payments Payments
	xp       XPLedger
	guard    Idempotency
	bus      events.Publisher
	now      func() time.Time
}

func NewService(store Store, payments Payments, ledger XPLedger, guard Idempotency, bus events.Publisher) *Service {
	return &Service{store: store, payments: payments, xp: ledger, guard: guard, bus: bus, now: time.Now}
}

type Customer struct {
	UserID *uuid.UUID
	Email  string
}

type CheckoutRequest struct {
	Items          []CartItem `json:"items"`
	RedeemXP       int64      `json:"redeem_xp"`
	IdempotencyKey string     `json:"-"`
}

type CheckoutResult struct {
	OrderID       uuid.UUID `json:"order_id"`
	SessionID     string    `json:"session_id"`
	URL           string    `json:"url"`
	SubtotalCents int64     `json:"subtotal_cents"`
	DiscountCents int64     `json:"discount_cents"`
	XPRedeemed    int64     `json:"xp_redeemed"`
	TotalCents    int64     `json:"total_cents"`
}

// Catalogue lists the documents on sale.
func (s *Service) Catalogue(ctx context.Context) ([]Document, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// Price resolves cart items against the catalogue. Duplicate slugs are merged.
func (s *Service) Price(ctx context.Context, items []CartItem) ([]LineItem, int64, error) {
	if len(items) == 0 {
		return nil, 0, ErrEmptyCart
	}
	if len(items) > MaxCartLines {
		return nil, 0, ErrTooManyItems
	}

	qty := map[string]int{}
	var order []string
	for _, it := range items {
		slug := utils.NormalizeString(it.Slug)
		if slug == "" {
			return nil, 0, fmt.Errorf("%w: empty slug", ErrUnknownDocument)
		}
		if it.Quantity == 0 {
			it.Quantity = 1
		}
		if it.Quantity < 0 || it.Quantity > MaxLineQty {
			return nil, 0, ErrInvalidQuantity
		}
		if _, seen := qty[slug]; !seen {
			order = append(order, slug)
		}
		qty[slug] += it.Quantity
		if qty[slug] > MaxLineQty {
			return nil, 0, ErrInvalidQuantity
		}
	}

	docs, err := s.store.DocumentsBySlug(ctx, order)
	if err != nil {
		return nil, 0, fmt.Errorf("load documents: %w", err)
	}
	bySlug := make(map[string]Document, len(docs))
	for _, d := range docs {
		bySlug[d.Slug] = d
	}

	lines := make([]LineItem, 0, len(order))
	var subtotal int64
	for _, slug := range order {
		d, ok := bySlug[slug]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnknownDocument, slug)
		}
		l := LineItem{DocumentID: d.ID, Slug: d.Slug, Title: d.Title, UnitCents: d.PriceCents, Quantity: qty[slug]}
		subtotal += l.TotalCents()
		lines = append(lines, l)
	}
	return lines, subtotal, nil
}

// CreateCheckout prices the cart, applies an optional XP redemption and opens
// a hosted checkout session.
func (s *Service) CreateCheckout(ctx context.Context, c Customer, req CheckoutRequest) (*CheckoutResult, error) {
	c.Email = utils.NormalizeEmail(c.Email)
	if !utils.IsValidEmail(c.Email) {
		return nil, ErrInvalidEmail
	}

	lines, subtotal, err := s.Price(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:            uuid.New(),
		UserID:        c.UserID,
		Email:         c.Email,
		SubtotalCents: subtotal,
		Status:        OrderPending,
		Items:         lines,
	}

	if req.RedeemXP != 0 {
		if c.UserID == nil {
			return nil, ErrSignInRequired
		}
		red, err := s.xp.Redeem(ctx, *c.UserID, req.RedeemXP, subtotal)
		if err != nil {
			return nil, err
		}
		order.XPRedeemed = red.XP
		order.DiscountCents = red.DiscountCents
	}

	// Undo the redemption if anything below fails.
	restore := func() {
		if order.XPRedeemed > 0 {
			if err := s.xp.Restore(context.WithoutCancel(ctx), *c.UserID, order.XPRedeemed, "checkout_failed"); err != nil {
				logger.ErrorContext(ctx, "failed to restore xp after checkout error", "error", err, "order_id", order.ID)
			}
		}
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		restore()
		return nil, fmt.Errorf("create order: %w", err)
	}

	sess, err := s.payments.CreateSession(ctx, SessionRequest{
		OrderID:        order.ID.String(),
		Email:          c.Email,
		Lines:          lines,
		DiscountCents:  order.DiscountCents,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		restore()
		return nil, err
	}

	if err := s.store.AttachSession(ctx, order.ID, sess.ID); err != nil {
		restore()
		return nil, fmt.Errorf("attach session: %w", err)
	}

	if _, err := s.store.UpsertAbandonedCart(ctx, c.Email, lines); err != nil {
		logger.WarnContext(ctx, "failed to record cart", "error", err)
	}

	return &CheckoutResult{
		OrderID:       order.ID,
		SessionID:     sess.ID,
		URL:           sess.URL,
		SubtotalCents: subtotal,
		DiscountCents: order.DiscountCents,
		XPRedeemed:    order.XPRedeemed,
		TotalCents:    order.TotalCents(),
	}, nil
}

// RecordAbandonedCart stores the visitor's cart so reminders can be sent.
func (s *Service) RecordAbandonedCart(ctx context.Context, email string, items []CartItem) (uuid.UUID, error) {
	email = utils.NormalizeEmail(email)
	if !utils.IsValidEmail(email) {
		return uuid.Nil, ErrInvalidEmail
	}
	lines, _, err := s.Price(ctx, items)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := s.store.UpsertAbandonedCart(ctx, email, lines)
	if err != nil {
		return uuid.Nil, fmt.Errorf("record cart: %w", err)
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.CartRecorded, events.CartRecordedEvent{CartID: id.String(), Email: email, Items: len(lines)}); err != nil {
			logger.WarnContext(ctx, "failed to publish cart event", "error", err)
		}
	}
	return id, nil
}

// HandleStripeWebhook verifies and applies one provider event exactly once.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (webhook.Outcome, error) {
	evt, err := s.payments.ParseEvent(payload, signature)
	if err != nil {
		return webhook.Outcome{}, err
	}
	ctx = logger.WithAction(ctx, "stripe_webhook:"+evt.Type)

	return s.guard.ProcessIdempotent(ctx, ProviderStripe, evt.ID, evt.Type, func(ctx context.Context) error {
		switch evt.Type {
		case "checkout.session.completed", "checkout.session.async_payment_succeeded":
			if evt.PaymentStatus != "paid" {
				return webhook.ErrSkip
			}
			return s.completeOrder(ctx, evt)
		case "checkout.session.expired":
			return s.expireOrder(ctx, evt)
		default:
			return webhook.ErrSkip
		}
	})
}

func (s *Service) completeOrder(ctx context.Context, evt PaymentEvent) error {
	order, ok, err := s.store.MarkOrderPaid(ctx, evt.SessionID)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if !ok {
		return webhook.ErrSkip
	}

	amount := evt.AmountTotal
	if amount == 0 {
		amount = order.TotalCents()
	}

	var awarded int64
	if order.UserID != nil {
		award, err := s.xp.AwardPurchase(ctx, *order.UserID, amount)
		if err != nil {
			return err
		}
		awarded = award.Total
	}
	if err := s.store.MarkXPSettled(ctx, order.ID); err != nil {
		return fmt.Errorf("mark xp settled: %w", err)
	}

	if err := s.store.MarkCartRecovered(ctx, order.Email); err != nil {
		logger.WarnContext(ctx, "failed to mark cart recovered", "error", err)
	}

	if s.bus != nil {
		paid := OrderPaidEvent(order, amount, awarded, evt.SessionID, s.now())
		if err := s.bus.Publish(ctx, events.OrderPaid, paid); err != nil {
			logger.WarnContext(ctx, "failed to publish order paid", "error", err)
		}
	}
	logger.InfoContext(ctx, "order paid", "order_id", order.ID, "amount_cents", amount, "xp_awarded", awarded)
	return nil
}

func (s *Service) expireOrder(ctx context.Context, evt PaymentEvent) error {
	order, ok, err := s.store.ExpireOrder(ctx, evt.SessionID)
	if err != nil {
		return fmt.Errorf("expire order: %w", err)
	}
	if !ok {
		return webhook.ErrSkip
	}
	if order.UserID != nil && order.XPRedeemed > 0 {
		if err := s.xp.Restore(ctx, *order.UserID, order.XPRedeemed, "checkout_expired"); err != nil {
			return err
		}
	}
	if err := s.store.MarkXPSettled(ctx, order.ID); err != nil {
		return fmt.Errorf("mark xp settled: %w", err)
	}
	return nil
}

// OrderPaidEvent builds the bus payload for a paid order.
func OrderPaidEvent(o *Order, amount, xpAwarded int64, session string, at time.Time) events.OrderPaidEvent {
	evt := events.OrderPaidEvent{
		OrderID:       o.ID.String(),
		Email:         o.Email,
		AmountCents:   amount,
		XPAwarded:     xpAwarded,
		StripeSession: session,
		PaidAt:        at,
	}
	if o.UserID != nil {
		evt.UserID = o.UserID.String()
	}
	return evt
}

// SendReminders emails pending carts that have been idle for at least after,
// up to maxReminders per cart.
func (s *Service) SendReminders(ctx context.Context, r Reminders, after time.Duration, maxReminders int) (int, error) {
	carts, err := s.store.DueReminders(ctx, s.now().Add(-after), maxReminders, 100)
	if err != nil {
		return 0, fmt.Errorf("due reminders: %w", err)
	}

	sent := 0
	var errs []error
	for _, c := range carts {
		items := make([]mailer.ReminderItem, 0, len(c.Items))
		for _, it := range c.Items {
			items = append(items, mailer.ReminderItem{Title: it.Title, PriceCents: it.TotalCents()})
		}
		if err := r.SendCartReminder(ctx, c.Email, items, c.ReminderCount+1); err != nil {
			errs = append(errs, fmt.Errorf("cart %s: %w", c.ID, err))
			continue
		}
		if err := s.store.MarkReminded(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("mark cart %s: %w", c.ID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}
