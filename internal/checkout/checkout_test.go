package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/counsel-portal/internal/mailer"
	"github.com/diagnosis/counsel-portal/internal/webhook"
	"github.com/diagnosis/counsel-portal/internal/xp"
	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu     sync.Mutex
	docs   []Document
	orders map[uuid.UUID]*Order
	carts  map[uuid.UUID]*AbandonedCart
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		docs: []Document{
			{ID: uuid.New(), Slug: "simple-will", Title: "Simple Will", PriceCents: 4_900},
			{ID: uuid.New(), Slug: "nda", Title: "Mutual NDA", PriceCents: 2_500},
			{ID: uuid.New(), Slug: "llc-operating", Title: "LLC Operating Agreement", PriceCents: 15_000},
		},
		orders: map[uuid.UUID]*Order{},
		carts:  map[uuid.UUID]*AbandonedCart{},
	}
}

func (m *memoryStore) DocumentsBySlug(_ context.Context, slugs []string) ([]Document, error) {
	var out []Document
	for _, d := range m.docs {
		for _, s := range slugs {
			if d.Slug == s {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (m *memoryStore) ListDocuments(context.Context) ([]Document, error) {
	return m.docs, nil
}

func (m *memoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.CreatedAt = time.Now()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memoryStore) AttachSession(_ context.Context, id uuid.UUID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].StripeSessionID = sessionID
	return nil
}

func (m *memoryStore) transition(sessionID, status string) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.StripeSessionID != sessionID {
			continue
		}
		if o.Status == OrderPending || (o.Status == status && o.XPSettledAt == nil) {
			o.Status = status
			cp := *o
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *memoryStore) MarkXPSettled(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.orders[id].XPSettledAt = &now
	return nil
}

func (m *memoryStore) MarkOrderPaid(_ context.Context, sessionID string) (*Order, bool, error) {
	return m.transition(sessionID, OrderPaid)
}

func (m *memoryStore) ExpireOrder(_ context.Context, sessionID string) (*Order, bool, error) {
	return m.transition(sessionID, OrderExpired)
}

func (m *memoryStore) UpsertAbandonedCart(_ context.Context, email string, items []LineItem) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.carts {
		if c.Email == email && c.Status == CartPending {
			c.Items = items
			c.UpdatedAt = time.Now()
			return c.ID, nil
		}
	}
	c := &AbandonedCart{ID: uuid.New(), Email: email, Items: items, Status: CartPending, UpdatedAt: time.Now()}
	m.carts[c.ID] = c
	return c.ID, nil
}

func (m *memoryStore) MarkCartRecovered(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.carts {
		if c.Email == email && c.Status == CartPending {
			c.Status = CartRecovered
		}
	}
	return nil
}

func (m *memoryStore) DueReminders(_ context.Context, before time.Time, maxReminders, _ int) ([]AbandonedCart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AbandonedCart
	for _, c := range m.carts {
		last := c.UpdatedAt
		if c.LastRemindedAt != nil {
			last = *c.LastRemindedAt
		}
		if c.Status == CartPending && c.ReminderCount < maxReminders && !last.After(before) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memoryStore) MarkReminded(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.carts[id].ReminderCount++
	m.carts[id].LastRemindedAt = &now
	return nil
}

type fakePayments struct {
	requests []SessionRequest
	event    PaymentEvent
	err      error
}

func (f *fakePayments) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	if f.err != nil {
		return Session{}, f.err
	}
	f.requests = append(f.requests, req)
	return Session{ID: "cs_test_" + req.OrderID, URL: "https://checkout.stripe.test/" + req.OrderID}, nil
}

func (f *fakePayments) ParseEvent(payload []byte, signature string) (PaymentEvent, error) {
	if signature != "valid" {
		return PaymentEvent{}, ErrInvalidSignature
	}
	return f.event, nil
}

type fakeLedger struct {
	available int64
	restored  int64
	awarded   int64
	// failures makes the next n award or restore calls fail.
	failures int
}

func (f *fakeLedger) fail() error {
	if f.failures > 0 {
		f.failures--
		return errors.New("ledger unavailable")
	}
	return nil
}

func (f *fakeLedger) Redeem(_ context.Context, _ uuid.UUID, amount, total int64) (xp.Redemption, error) {
	if err := xp.ValidateRedemption(amount, f.available, total); err != nil {
		return xp.Redemption{}, err
	}
	f.available -= amount
	return xp.Redemption{XP: amount, DiscountCents: xp.XPToDiscount(amount)}, nil
}

func (f *fakeLedger) Restore(_ context.Context, _ uuid.UUID, amount int64, _ string) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.available += amount
	f.restored += amount
	return nil
}

func (f *fakeLedger) AwardPurchase(_ context.Context, _ uuid.UUID, cents int64) (xp.Award, error) {
	if err := f.fail(); err != nil {
		return xp.Award{}, err
	}
	a := xp.CalculatePurchaseXP(cents, xp.PurchaseOptions{})
	f.awarded += a.Total
	return a, nil
}

// onceGuard is an in-memory stand-in for webhook.Guard.
type onceGuard struct {
	mu   sync.Mutex
	seen map[string]string
}

func (g *onceGuard) ProcessIdempotent(ctx context.Context, provider, eventID, _ string, handler func(context.Context) error) (webhook.Outcome, error) {
	g.mu.Lock()
	if g.seen == nil {
		g.seen = map[string]string{}
	}
	if st, ok := g.seen[provider+eventID]; ok {
		g.mu.Unlock()
		return webhook.Outcome{Duplicate: true, Status: st}, nil
	}
	g.seen[provider+eventID] = webhook.StatusProcessing
	g.mu.Unlock()

	err := handler(ctx)
	status := webhook.StatusProcessed
	switch {
	case errors.Is(err, webhook.ErrSkip):
		status, err = webhook.StatusSkipped, nil
	case err != nil:
		status = webhook.StatusFailed
	}
	g.mu.Lock()
	g.seen[provider+eventID] = status
	g.mu.Unlock()
	return webhook.Outcome{Status: status}, err
}

// release forgets a failed event, as an operator release would.
func (g *onceGuard) release(provider, eventID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, provider+eventID)
}

type recordingBus struct {
	subjects []string
}

func (b *recordingBus) Publish(_ context.Context, subject string, _ interface{}) error {
	b.subjects = append(b.subjects, subject)
	return nil
}

type fixture struct {
	svc      *Service
	store    *memoryStore
	payments *fakePayments
	ledger   *fakeLedger
	guard    *onceGuard
	bus      *recordingBus
}

func newFixture() fixture {
	f := fixture{
		store:    newMemoryStore(),
		payments: &fakePayments{},
		ledger:   &fakeLedger{available: 5_000},
		guard:    &onceGuard{},
		bus:      &recordingBus{},
	}
	f.svc = NewService(f.store, f.payments, f.ledger, f.guard, f.bus)
	return f
}

func TestPrice(t *testing.T) {
	f := newFixture()

	lines, subtotal, err := f.svc.Price(context.Background(), []CartItem{
		{Slug: "nda", Quantity: 1},
		{Slug: "simple-will"},
		{Slug: "nda", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, "nda", lines[0].Slug)
	require.Equal(t, 3, lines[0].Quantity)
	require.Equal(t, int64(3*2_500+4_900), subtotal)

	_, _, err = f.svc.Price(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyCart)

	_, _, err = f.svc.Price(context.Background(), []CartItem{{Slug: "missing"}})
	require.ErrorIs(t, err, ErrUnknownDocument)

	_, _, err = f.svc.Price(context.Background(), []CartItem{{Slug: "nda", Quantity: 11}})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, _, err = f.svc.Price(context.Background(), []CartItem{{Slug: "nda", Quantity: -1}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCreateCheckoutWithXP(t *testing.T) {
	f := newFixture()
	user := uuid.New()

	res, err := f.svc.CreateCheckout(context.Background(), Customer{UserID: &user, Email: "Client@Example.com"}, CheckoutRequest{
		Items:          []CartItem{{Slug: "llc-operating", Quantity: 1}},
		RedeemXP:       2_000,
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(15_000), res.SubtotalCents)
	require.Equal(t, int64(2_000), res.DiscountCents)
	require.Equal(t, int64(13_000), res.TotalCents)
	require.NotEmpty(t, res.URL)

	require.Len(t, f.payments.requests, 1)
	require.Equal(t, int64(2_000), f.payments.requests[0].DiscountCents)
	require.Equal(t, "idem-1", f.payments.requests[0].IdempotencyKey)
	require.Equal(t, int64(3_000), f.ledger.available)

	o := f.store.orders[res.OrderID]
	require.Equal(t, OrderPending, o.Status)
	require.Equal(t, res.SessionID, o.StripeSessionID)
	require.Equal(t, "client@example.com", o.Email)
	require.Len(t, f.store.carts, 1)
}

func TestCreateCheckoutOverCap(t *testing.T) {
	f := newFixture()
	user := uuid.New()

	_, err := f.svc.CreateCheckout(context.Background(), Customer{UserID: &user, Email: "a@b.co"}, CheckoutRequest{
		Items:    []CartItem{{Slug: "nda"}},
		RedeemXP: 1_000,
	})
	require.ErrorIs(t, err, xp.ErrOverCap)
	require.Empty(t, f.store.orders)
}

func TestCreateCheckoutRestoresXPOnPaymentFailure(t *testing.T) {
	f := newFixture()
	f.payments.err = errors.New("stripe unavailable")
	user := uuid.New()

	_, err := f.svc.CreateCheckout(context.Background(), Customer{UserID: &user, Email: "a@b.co"}, CheckoutRequest{
		Items:    []CartItem{{Slug: "llc-operating"}},
		RedeemXP: 1_000,
	})
	require.Error(t, err)
	require.Equal(t, int64(5_000), f.ledger.available)
	require.Equal(t, int64(1_000), f.ledger.restored)
}

func TestCreateCheckoutRequiresUserForXP(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateCheckout(context.Background(), Customer{Email: "a@b.co"}, CheckoutRequest{
		Items:    []CartItem{{Slug: "llc-operating"}},
		RedeemXP: 1_000,
	})
	require.ErrorIs(t, err, ErrSignInRequired)
}

func TestStripeWebhookCompletesOrderOnce(t *testing.T) {
	f := newFixture()
	user := uuid.New()
	res, err := f.svc.CreateCheckout(context.Background(), Customer{UserID: &user, Email: "a@b.co"}, CheckoutRequest{
		Items: []CartItem{{Slug: "simple-will"}},
	})
	require.NoError(t, err)

	f.payments.event = PaymentEvent{
		ID:            "evt_1",
		Type:          "checkout.session.completed",
		SessionID:     res.SessionID,
		AmountTotal:   4_900,
		PaymentStatus: "paid",
	}

	out, err := f.svc.HandleStripeWebhook(context.Background(), []byte(`{}`), "valid")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusProcessed, out.Status)
	require.Equal(t, OrderPaid, f.store.orders[res.OrderID].Status)
	require.Equal(t, int64(490), f.ledger.awarded)
	require.Contains(t, f.bus.subjects, events.OrderPaid)

	for _, c := range f.store.carts {
		require.Equal(t, CartRecovered, c.Status)
	}

	out, err = f.svc.HandleStripeWebhook(context.Background(), []byte(`{}`), "valid")
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.Equal(t, int64(490), f.ledger.awarded)
}

func TestStripeWebhookSkipsUnpaidAndUnknown(t *testing.T) {
	f := newFixture()

	f.payments.event = PaymentEvent{ID: "evt_2", Type: "checkout.session.completed", SessionID: "cs_x", PaymentStatus: "unpaid"}
	out, err := f.svc.HandleStripeWebhook(context.Background(), nil, "valid")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusSkipped, out.Status)

	f.payments.event = PaymentEvent{ID: "evt_3", Type: "customer.created"}
	out, err = f.svc.HandleStripeWebhook(context.Background(), nil, "valid")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusSkipped, out.Status)
}

func TestStripeWebhookBadSignature(t *testing.T) {
	f := newFixture()
	_, err := f.svc.HandleStripeWebhook(context.Background(), nil, "forged")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeWebhookExpiredRestoresXP(t *testing.T) {
	f := newFixture()
	user := uuid.New()
	res, err := f.svc.CreateCheckout(context.Background(), Customer{UserID: &user, Email: "a@b.co"}, CheckoutRequest{
		Items:    []CartItem{{Slug: "llc-operating"}},
		RedeemXP: 600,
	})
	require.NoError(t, err)
	require.Equal(t, int64(4_400), f.ledger.available)

	f.payments.event = PaymentEvent{ID: "evt_exp", Type: "checkout.session.expired", SessionID: res.SessionID}
	_, err = f.svc.HandleStripeWebhook(context.Background(), nil, "valid")
	require.NoError(t, err)
	require.Equal(t, OrderExpired, f.store.orders[res.OrderID].Status)
	require.Equal(t, int64(5_000), f.ledger.available)
}

func TestStripeWebhookRetriesAwardAfterRelease(t *testing.T) {
	f := newFixture()
	user := uuid.New()
	res, err := f.svc.CreateCheckout(context.Background(), Customer{UserID: &user, Email: "a@b.co"}, CheckoutRequest{
		Items: []CartItem{{Slug: "simple-will"}},
	})
	require.NoError(t, err)

	f.payments.event = PaymentEvent{
		ID:            "evt_retry",
		Type:          "checkout.session.completed",
		SessionID:     res.SessionID,
		AmountTotal:   4_900,
		PaymentStatus: "paid",
	}
	f.ledger.failures = 1

	out, err := f.svc.HandleStripeWebhook(context.Background(), nil, "valid")
	require.Error(t, err)
	require.Equal(t, webhook.StatusFailed, out.Status)
	require.Equal(t, OrderPaid, f.store.orders[res.OrderID].Status)
	require.Nil(t, f.store.orders[res.OrderID].XPSettledAt)
	require.Zero(t, f.ledger.awarded)

	f.guard.release(ProviderStripe, "evt_retry")
	out, err = f.svc.HandleStripeWebhook(context.Background(), nil, "valid")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusProcessed, out.Status)
	require.Equal(t, int64(490), f.ledger.awarded)
	require.NotNil(t, f.store.orders[res.OrderID].XPSettledAt)

	// Settled orders are not credited again.
	f.guard.release(ProviderStripe, "evt_retry")
	out, err = f.svc.HandleStripeWebhook(context.Background(), nil, "valid")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusSkipped, out.Status)
	require.Equal(t, int64(490), f.ledger.awarded)
}

func TestStripeWebhookRetriesRestoreAfterRelease(t *testing.T) {
	f := newFixture()
	user := uuid.New()
	res, err := f.svc.CreateCheckout(context.Background(), Customer{UserID: &user, Email: "a@b.co"}, CheckoutRequest{
		Items:    []CartItem{{Slug: "llc-operating"}},
		RedeemXP: 600,
	})
	require.NoError(t, err)

	f.payments.event = PaymentEvent{ID: "evt_exp_retry", Type: "checkout.session.expired", SessionID: res.SessionID}
	f.ledger.failures = 1

	out, err := f.svc.HandleStripeWebhook(context.Background(), nil, "valid")
	require.Error(t, err)
	require.Equal(t, webhook.StatusFailed, out.Status)
	require.Equal(t, OrderExpired, f.store.orders[res.OrderID].Status)
	require.Equal(t, int64(4_400), f.ledger.available)

	f.guard.release(ProviderStripe, "evt_exp_retry")
	out, err = f.svc.HandleStripeWebhook(context.Background(), nil, "valid")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusProcessed, out.Status)
	require.Equal(t, int64(5_000), f.ledger.available)
	require.Equal(t, int64(600), f.ledger.restored)
}

type captureReminders struct {
	sent []string
}

func (c *captureReminders) SendCartReminder(_ context.Context, email string, _ []mailer.ReminderItem, _ int) error {
	c.sent = append(c.sent, email)
	return nil
}

func TestRecordCartAndSendReminders(t *testing.T) {
	f := newFixture()
	now := time.Now()
	f.svc.now = func() time.Time { return now.Add(25 * time.Hour) }

	id, err := f.svc.RecordAbandonedCart(context.Background(), "Visitor@Example.com", []CartItem{{Slug: "nda"}})
	require.NoError(t, err)
	again, err := f.svc.RecordAbandonedCart(context.Background(), "visitor@example.com", []CartItem{{Slug: "simple-will"}})
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Contains(t, f.bus.subjects, events.CartRecorded)

	r := &captureReminders{}
	sent, err := f.svc.SendReminders(context.Background(), r, 24*time.Hour, 3)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, []string{"visitor@example.com"}, r.sent)
	require.Equal(t, 1, f.store.carts[id].ReminderCount)

	// Just reminded, so not due again yet.
	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	sent, err = f.svc.SendReminders(context.Background(), r, 24*time.Hour, 3)
	require.NoError(t, err)
	require.Equal(t, 0, sent)

	_, err = f.svc.RecordAbandonedCart(context.Background(), "bad-email", []CartItem{{Slug: "nda"}})
	require.ErrorIs(t, err, ErrInvalidEmail)
}
