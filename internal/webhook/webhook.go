package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
)

const (
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// ErrSkip tells the guard the event was understood but intentionally ignored.
var ErrSkip = errors.New("webhook event skipped")

var ErrNotReleasable = errors.New("webhook event is not in a releasable state")

type Event struct {
	Provider    string     `json:"provider"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Store persists event markers keyed by (provider, event id).
type Store interface {
	// Claim inserts a processing marker if none exists. When the key is
	// already present it reports claimed=false and the stored status.
	Claim(ctx context.Context, provider, eventID, eventType string) (bool, string, error)
	Get(ctx context.Context, provider, eventID string) (*Event, error)
	Mark(ctx context.Context, provider, eventID, eventType, status, errText string) error
	Release(ctx context.Context, provider, eventID string) (bool, error)
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type Check struct {
	IsNew          bool   `json:"is_new"`
	PreviousStatus string `json:"previous_status,omitempty"`
}

type Outcome struct {
	Duplicate bool
	Status    string
}

type Guard struct {
	store   Store
	metrics *metrics.Metrics
}

func NewGuard(store Store, m *metrics.Metrics) *Guard {
	return &Guard{store: store, metrics: m}
}

// CheckIdempotency reports whether the event has been seen before.
func (g *Guard) CheckIdempotency(ctx context.Context, provider, eventID string) (Check, error) {
	ev, err := g.store.Get(ctx, provider, eventID)
	if err != nil {
		return Check{}, fmt.Errorf("get webhook event: %w", err)
	}
	if ev == nil {
		return Check{IsNew: true}, nil
	}
	return Check{IsNew: false, PreviousStatus: ev.Status}, nil
}

// MarkProcessed records the final status for an event.
func (g *Guard) MarkProcessed(ctx context.Context, provider, eventID, eventType, status, errText string) error {
	switch status {
	case StatusProcessed, StatusFailed, StatusSkipped:
	default:
		return fmt.Errorf("invalid webhook status %q", status)
	}
	return g.store.Mark(ctx, provider, eventID, eventType, status, errText)
}

// ProcessIdempotent runs handler at most once per (provider, eventID). The
// key is claimed before the handler runs, so concurrent deliveries of the
// same event see a duplicate. A failed run stays failed until Release.
func (g *Guard) ProcessIdempotent(ctx context.Context, provider, eventID, eventType string, handler func(ctx context.Context) error) (Outcome, error) {
	claimed, previous, err := g.store.Claim(ctx, provider, eventID, eventType)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim webhook event: %w", err)
	}
	if !claimed {
		logger.InfoContext(ctx, "duplicate webhook delivery", "provider", provider, "event_id", eventID, "previous_status", previous)
		g.count(provider, "duplicate")
		return Outcome{Duplicate: true, Status: previous}, nil
	}

	herr := handler(ctx)

	status, errText := StatusProcessed, ""
	switch {
	case herr == nil:
	case errors.Is(herr, ErrSkip):
		status = StatusSkipped
	default:
		status, errText = StatusFailed, herr.Error()
	}

	// The marker must be written even if the request context is gone.
	if err := g.store.Mark(context.WithoutCancel(ctx), provider, eventID, eventType, status, errText); err != nil {
		logger.ErrorContext(ctx, "failed to persist webhook status", "provider", provider, "event_id", eventID, "status", status, "error", err)
	}
	g.count(provider, status)

	if status == StatusFailed {
		return Outcome{Status: status}, herr
	}
	return Outcome{Status: status}, nil
}

// Release re-opens a failed event so the provider's next delivery runs again.
func (g *Guard) Release(ctx context.Context, provider, eventID string) error {
	ok, err := g.store.Release(ctx, provider, eventID)
	if err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	if !ok {
		return ErrNotReleasable
	}
	logger.InfoContext(ctx, "webhook event released", "provider", provider, "event_id", eventID)
	return nil
}

// ReleaseStale clears processing markers left behind by a crashed handler.
func (g *Guard) ReleaseStale(ctx context.Context, age time.Duration) (int64, error) {
	return g.store.ReleaseStale(ctx, time.Now().Add(-age))
}

func (g *Guard) count(provider, outcome string) {
	if g.metrics != nil {
		g.metrics.WebhookEvents.WithLabelValues(provider, outcome).Inc()
	}
}
