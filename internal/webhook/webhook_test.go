package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

func newMemoryStore() *memoryStore {
	return &memoryStore{events: map[string]*Event{}}
}

func key(provider, eventID string) string { return provider + "/" + eventID }

func (m *memoryStore) Claim(_ context.Context, provider, eventID, eventType string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[key(provider, eventID)]; ok {
		return false, e.Status, nil
	}
	m.events[key(provider, eventID)] = &Event{Provider: provider, EventID: eventID, EventType: eventType, Status: StatusProcessing, ReceivedAt: time.Now()}
	return true, "", nil
}

func (m *memoryStore) Get(_ context.Context, provider, eventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[key(provider, eventID)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memoryStore) Mark(_ context.Context, provider, eventID, eventType, status, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.events[key(provider, eventID)] = &Event{Provider: provider, EventID: eventID, EventType: eventType, Status: status, Error: errText, ProcessedAt: &now}
	return nil
}

func (m *memoryStore) Release(_ context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[key(provider, eventID)]
	if !ok || e.Status != StatusFailed {
		return false, nil
	}
	delete(m.events, key(provider, eventID))
	return true, nil
}

func (m *memoryStore) ReleaseStale(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.events {
		if e.Status == StatusProcessing && e.ReceivedAt.Before(olderThan) {
			delete(m.events, k)
			n++
		}
	}
	return n, nil
}

func TestProcessIdempotentRunsOnce(t *testing.T) {
	g := NewGuard(newMemoryStore(), nil)
	calls := 0
	handler := func(context.Context) error {
		calls++
		return nil
	}

	out, err := g.ProcessIdempotent(context.Background(), "stripe", "evt_1", "checkout.session.completed", handler)
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	require.Equal(t, StatusProcessed, out.Status)

	out, err = g.ProcessIdempotent(context.Background(), "stripe", "evt_1", "checkout.session.completed", handler)
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.Equal(t, StatusProcessed, out.Status)
	require.Equal(t, 1, calls)
}

func TestProcessIdempotentConcurrentDeliveries(t *testing.T) {
	m := metrics.NewUnregistered()
	g := NewGuard(newMemoryStore(), m)
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.ProcessIdempotent(context.Background(), "stripe", "evt_race", "x", func(context.Context) error {
				calls.Add(1)
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 19.0, testutil.ToFloat64(m.WebhookEvents.WithLabelValues("stripe", "duplicate")))
}

func TestProcessIdempotentSkipAndFailure(t *testing.T) {
	store := newMemoryStore()
	g := NewGuard(store, nil)

	out, err := g.ProcessIdempotent(context.Background(), "stripe", "evt_skip", "invoice.created", func(context.Context) error {
		return ErrSkip
	})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out.Status)

	boom := errors.New("boom")
	out, err = g.ProcessIdempotent(context.Background(), "stripe", "evt_fail", "checkout.session.completed", func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, StatusFailed, out.Status)

	ev, _ := store.Get(context.Background(), "stripe", "evt_fail")
	require.Equal(t, "boom", ev.Error)

	// Failed is terminal for redelivery.
	calls := 0
	out, err = g.ProcessIdempotent(context.Background(), "stripe", "evt_fail", "checkout.session.completed", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, 0, calls)

	// Until an operator releases it.
	require.NoError(t, g.Release(context.Background(), "stripe", "evt_fail"))
	out, err = g.ProcessIdempotent(context.Background(), "stripe", "evt_fail", "checkout.session.completed", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, out.Status)
	require.Equal(t, 1, calls)
}

func TestReleaseOnlyFailed(t *testing.T) {
	g := NewGuard(newMemoryStore(), nil)
	require.ErrorIs(t, g.Release(context.Background(), "stripe", "missing"), ErrNotReleasable)

	_, err := g.ProcessIdempotent(context.Background(), "stripe", "evt_ok", "x", func(context.Context) error { return nil })
	require.NoError(t, err)
	require.ErrorIs(t, g.Release(context.Background(), "stripe", "evt_ok"), ErrNotReleasable)
}

func TestCheckAndMark(t *testing.T) {
	g := NewGuard(newMemoryStore(), nil)
	ctx := context.Background()

	c, err := g.CheckIdempotency(ctx, "stripe", "evt_2")
	require.NoError(t, err)
	require.True(t, c.IsNew)

	require.NoError(t, g.MarkProcessed(ctx, "stripe", "evt_2", "x", StatusSkipped, ""))
	c, err = g.CheckIdempotency(ctx, "stripe", "evt_2")
	require.NoError(t, err)
	require.False(t, c.IsNew)
	require.Equal(t, StatusSkipped, c.PreviousStatus)

	require.Error(t, g.MarkProcessed(ctx, "stripe", "evt_3", "x", "bogus", ""))
}

func TestReleaseStale(t *testing.T) {
	store := newMemoryStore()
	g := NewGuard(store, nil)
	store.events[key("stripe", "stuck")] = &Event{Status: StatusProcessing, ReceivedAt: time.Now().Add(-2 * time.Hour)}

	n, err := g.ReleaseStale(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
