package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// memoryStore mirrors the upsert in PostgresStore.RecordFailure.
type memoryStore struct {
	mu   sync.Mutex
	rows map[string]*Attempt
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: map[string]*Attempt{}}
}

func (m *memoryStore) Get(_ context.Context, email string) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[email]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memoryStore) RecordFailure(_ context.Context, email string, now time.Time, threshold int, lockUntil time.Time) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[email]
	switch {
	case !ok:
		a = &Attempt{Email: email, FailedCount: 1}
		m.rows[email] = a
		if 1 >= threshold {
			a.LockedUntil = &lockUntil
		}
	case a.LockedUntil != nil && a.LockedUntil.After(now):
		a.FailedCount++
	case a.LockedUntil != nil:
		a.FailedCount = 1
		a.LockedUntil = nil
		if 1 >= threshold {
			a.LockedUntil = &lockUntil
		}
	default:
		a.FailedCount++
		if a.FailedCount >= threshold {
			a.LockedUntil = &lockUntil
		}
	}
	a.LastFailedAt = now
	cp := *a
	return &cp, nil
}

func (m *memoryStore) Clear(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, email)
	return nil
}

type recordingBus struct {
	subjects []string
}

func (b *recordingBus) Publish(_ context.Context, subject string, _ interface{}) error {
	b.subjects = append(b.subjects, subject)
	return nil
}

func TestLockAfterThreshold(t *testing.T) {
	bus := &recordingBus{}
	m := metrics.NewUnregistered()
	tr := NewTracker(newMemoryStore(), bus, m, 3, 15*time.Minute)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	st, err := tr.RecordFailedAttempt(ctx, " Client@Example.com ")
	require.NoError(t, err)
	require.False(t, st.Locked)
	require.Equal(t, 2, st.RemainingAttempts)

	_, err = tr.RecordFailedAttempt(ctx, "client@example.com")
	require.NoError(t, err)
	st, err = tr.RecordFailedAttempt(ctx, "CLIENT@example.com")
	require.NoError(t, err)
	require.True(t, st.Locked)
	require.Equal(t, 15*time.Minute, st.RetryAfter)

	st, err = tr.Check(ctx, "client@example.com")
	require.NoError(t, err)
	require.True(t, st.Locked)

	require.Equal(t, []string{events.AccountLocked}, bus.subjects)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Lockouts))
}

func TestLockExpires(t *testing.T) {
	tr := NewTracker(newMemoryStore(), nil, nil, 2, time.Minute)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	tr.RecordFailedAttempt(ctx, "a@b.co")
	st, _ := tr.RecordFailedAttempt(ctx, "a@b.co")
	require.True(t, st.Locked)

	now = now.Add(time.Minute)
	st, err := tr.Check(ctx, "a@b.co")
	require.NoError(t, err)
	require.False(t, st.Locked)

	st, err = tr.RecordFailedAttempt(ctx, "a@b.co")
	require.NoError(t, err)
	require.False(t, st.Locked)
	require.Equal(t, 1, st.RemainingAttempts)
}

func TestClearResets(t *testing.T) {
	tr := NewTracker(newMemoryStore(), nil, nil, 5, time.Minute)
	ctx := context.Background()

	tr.RecordFailedAttempt(ctx, "a@b.co")
	require.NoError(t, tr.Clear(ctx, "A@B.CO"))

	st, err := tr.Check(ctx, "a@b.co")
	require.NoError(t, err)
	require.Equal(t, 5, st.RemainingAttempts)
}

func TestEmailRequired(t *testing.T) {
	tr := NewTracker(newMemoryStore(), nil, nil, 5, time.Minute)
	_, err := tr.Check(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmailRequired)
}
