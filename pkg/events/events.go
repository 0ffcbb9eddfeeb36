package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) error
	QueueSubscribe(subject, queue string, handler func(msg *Message)) error
}

type EventBus interface {
	Publisher
	Subscriber
	Close() error
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	ID        string
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Subject, err)
	}
	return nil
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url, name string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "bytes", len(payload))

	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	if requestID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		msg.Header.Set("X-Request-ID", requestID)
	}
	return n.conn.PublishMsg(msg)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) error {
	_, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(toMessage(msg))
	})
	return err
}

func (n *NATSEventBus) QueueSubscribe(subject, queue string, handler func(msg *Message)) error {
	_, err := n.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(toMessage(msg))
	})
	return err
}

// Healthy reports whether the connection is currently usable.
func (n *NATSEventBus) Healthy() error {
	if status := n.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats status %s", status)
	}
	return nil
}

func (n *NATSEventBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

func toMessage(msg *nats.Msg) *Message {
	id := msg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return &Message{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Timestamp: time.Now(),
		ID:        id,
	}
}

// NoopBus drops every event. Used when no NATS URL is configured.
type NoopBus struct{}

func (NoopBus) Publish(ctx context.Context, subject string, _ interface{}) error {
	logger.DebugContext(ctx, "Event bus disabled, dropping event", "subject", subject)
	return nil
}
func (NoopBus) Subscribe(string, func(*Message)) error              { return nil }
func (NoopBus) QueueSubscribe(string, string, func(*Message)) error { return nil }
func (NoopBus) Close() error                                        { return nil }

// Event subjects
const (
	BookingCreated = "booking.created"

	OrderPaid = "order.paid"

	XPAwarded  = "xp.awarded"
	XPRedeemed = "xp.redeemed"

	AccountLocked = "account.locked"

	CartRecorded = "cart.recorded"
)

// Event payloads
type BookingCreatedEvent struct {
	BookingID   string    `json:"booking_id"`
	SlotID      string    `json:"slot_id"`
	ClientName  string    `json:"client_name"`
	ClientEmail string    `json:"client_email"`
	MatterType  string    `json:"matter_type"`
	Date        string    `json:"date"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
	CreatedAt   time.Time `json:"created_at"`
}

type OrderPaidEvent struct {
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id,omitempty"`
	Email         string    `json:"email"`
	AmountCents   int64     `json:"amount_cents"`
	XPAwarded     int64     `json:"xp_awarded"`
	StripeSession string    `json:"stripe_session"`
	PaidAt        time.Time `json:"paid_at"`
}

type XPEvent struct {
	UserID     string    `json:"user_id"`
	Source     string    `json:"source"`
	Amount     int64     `json:"amount"`
	Multiplier float64   `json:"multiplier"`
	OccurredAt time.Time `json:"occurred_at"`
}

type AccountLockedEvent struct {
	Email       string    `json:"email"`
	Failures    int       `json:"failures"`
	LockedUntil time.Time `json:"locked_until"`
}

type CartRecordedEvent struct {
	CartID string `json:"cart_id"`
	Email  string `json:"email"`
	Items  int    `json:"items"`
}
