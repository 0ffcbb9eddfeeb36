package checkout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diagnosis/counsel-portal/pkg/config"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type SessionRequest struct {
	OrderID        string
	Email          string
	Lines          []LineItem
	DiscountCents  int64
	IdempotencyKey string
}

type Session struct {
	ID  string
	URL string
}

// PaymentEvent is the subset of a provider event the portal acts on.
type PaymentEvent struct {
	ID            string
	Type          string
	SessionID     string
	OrderID       string
	Email         string
	AmountTotal   int64
	PaymentStatus string
}

// Payments is the hosted checkout provider.
type Payments interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	ParseEvent(payload []byte, signature string) (PaymentEvent, error)
}

type StripeGateway struct {
	api           *client.API
	webhookSecret string
	currency      string
	successURL    string
	cancelURL     string
}

func NewStripeGateway(cfg config.StripeConfig) *StripeGateway {
	return &StripeGateway{
		api:           client.New(cfg.SecretKey, nil),
		webhookSecret: cfg.WebhookSecret,
		currency:      cfg.Currency,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail:     stripe.String(req.Email),
		ClientReferenceID: stripe.String(req.OrderID),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey("session-" + req.IdempotencyKey)
	}

	for _, l := range req.Lines {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				UnitAmount: stripe.Int64(l.UnitCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(l.Title),
				},
			},
			Quantity: stripe.Int64(int64(l.Quantity)),
		})
	}

	if req.DiscountCents > 0 {
		couponParams := &stripe.CouponParams{
			AmountOff:      stripe.Int64(req.DiscountCents),
			Currency:       stripe.String(g.currency),
			Duration:       stripe.String(string(stripe.CouponDurationOnce)),
			MaxRedemptions: stripe.Int64(1),
			Name:           stripe.String("XP reward"),
		}
		couponParams.Context = ctx
		if req.IdempotencyKey != "" {
			couponParams.SetIdempotencyKey("coupon-" + req.IdempotencyKey)
		}
		coupon, err := g.api.Coupons.New(couponParams)
		if err != nil {
			return Session{}, fmt.Errorf("create xp coupon: %w", err)
		}
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(coupon.ID)}}
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("create checkout session: %w", err)
	}
	return Session{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) ParseEvent(payload []byte, signature string) (PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := PaymentEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}

	switch out.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded", "checkout.session.expired":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return PaymentEvent{}, fmt.Errorf("decode checkout session: %w", err)
		}
		out.SessionID = s.ID
		out.OrderID = s.Metadata["order_id"]
		if out.OrderID == "" {
			out.OrderID = s.ClientReferenceID
		}
		out.Email = s.CustomerEmail
		if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
			out.Email = s.CustomerDetails.Email
		}
		out.AmountTotal = s.AmountTotal
		out.PaymentStatus = string(s.PaymentStatus)
	}
	return out, nil
}

// DisabledPayments rejects checkout when no Stripe key is configured.
type DisabledPayments struct{}

func (DisabledPayments) CreateSession(context.Context, SessionRequest) (Session, error) {
	return Session{}, ErrPaymentsDisabled
}

func (DisabledPayments) ParseEvent([]byte, string) (PaymentEvent, error) {
	return PaymentEvent{}, ErrPaymentsDisabled
}
