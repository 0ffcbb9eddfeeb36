package xp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type ledgerRow struct {
	kind   string
	source string
	amount int64
	at     time.Time
}

type memoryStore struct {
	mu     sync.Mutex
	states map[uuid.UUID]State
	ledger map[uuid.UUID][]ledgerRow
	streak int
	now    func() time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{states: map[uuid.UUID]State{}, ledger: map[uuid.UUID][]ledgerRow{}, now: now}
}

func (m *memoryStore) GetState(_ context.Context, userID uuid.UUID) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[userID]
	st.UserID = userID
	return st, nil
}

func (m *memoryStore) CountAwards(_ context.Context, userID uuid.UUID, source string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.ledger[userID] {
		if r.kind == "earn" && r.source == source {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) LoginStreak(context.Context, uuid.UUID, string, string) (int, error) {
	return m.streak, nil
}

func (m *memoryStore) Award(_ context.Context, userID uuid.UUID, award Award, spendCents int64, limit Limit) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit.Max > 0 {
		n := 0
		for _, r := range m.ledger[userID] {
			if r.kind == "earn" && r.source == award.Source && !r.at.Before(limit.Since) {
				n++
			}
		}
		if n >= limit.Max {
			return State{}, ErrActionLimit
		}
	}
	st := m.states[userID]
	st.UserID = userID
	st.TotalXP += award.Total
	st.LifetimeSpendCents += spendCents
	m.states[userID] = st
	m.ledger[userID] = append(m.ledger[userID], ledgerRow{kind: "earn", source: award.Source, amount: award.Total, at: m.now()})
	return st, nil
}

func (m *memoryStore) Redeem(_ context.Context, userID uuid.UUID, xp int64, check func(int64) error) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[userID]
	st.UserID = userID
	if err := check(st.Available()); err != nil {
		return State{}, err
	}
	st.RedeemedXP += xp
	m.states[userID] = st
	m.ledger[userID] = append(m.ledger[userID], ledgerRow{kind: "redeem", source: "redemption", amount: xp, at: m.now()})
	return st, nil
}

func (m *memoryStore) Restore(_ context.Context, userID uuid.UUID, xp int64, reason string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[userID]
	st.RedeemedXP = max(st.RedeemedXP-xp, 0)
	m.states[userID] = st
	return st, nil
}

// 2026-03-10 is a Tuesday.
var tuesday = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(now time.Time) (*Service, *memoryStore) {
	clock := func() time.Time { return now }
	store := newMemoryStore(clock)
	svc := NewService(store, nil, nil, Options{})
	svc.now = clock
	return svc, store
}

func TestEarnFirstActionBonusAndDailyLimit(t *testing.T) {
	svc, _ := newTestService(tuesday)
	user := uuid.New()

	award, status, err := svc.Earn(context.Background(), user, "daily_login")
	require.NoError(t, err)
	require.Equal(t, int64(12), award.Total)
	require.Equal(t, int64(12), status.TotalXP)

	_, _, err = svc.Earn(context.Background(), user, "daily_login")
	require.ErrorIs(t, err, ErrActionLimit)
}

func TestEarnWeekendPromotionAndStreak(t *testing.T) {
	saturday := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc, store := newTestService(saturday)
	svc.promos = map[string]bool{"review_submitted": true}
	store.streak = 2
	user := uuid.New()

	// Seed a prior review so first_action does not apply.
	store.ledger[user] = []ledgerRow{{kind: "earn", source: "review_submitted", amount: 100, at: saturday.AddDate(0, 0, -3)}}

	award, _, err := svc.Earn(context.Background(), user, "review_submitted")
	require.NoError(t, err)
	// 100 base + 10 streak + 10 weekend + 50 promotion
	require.Equal(t, int64(170), award.Total)
}

func TestEarnOnceAction(t *testing.T) {
	svc, _ := newTestService(tuesday)
	user := uuid.New()

	_, _, err := svc.Earn(context.Background(), user, "newsletter_signup")
	require.NoError(t, err)
	_, _, err = svc.Earn(context.Background(), user, "newsletter_signup")
	require.ErrorIs(t, err, ErrActionLimit)
}

func TestEarnUnknownAction(t *testing.T) {
	svc, _ := newTestService(tuesday)
	_, _, err := svc.Earn(context.Background(), uuid.New(), "nope")
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestEarnRequestedRejectsServerActions(t *testing.T) {
	svc, _ := newTestService(tuesday)
	user := uuid.New()

	_, _, err := svc.EarnRequested(context.Background(), user, "referral")
	require.ErrorIs(t, err, ErrServerAction)

	award, _, err := svc.EarnRequested(context.Background(), user, "article_read")
	require.NoError(t, err)
	require.Positive(t, award.Total)
}

func TestRedeemUpdatesBalance(t *testing.T) {
	svc, store := newTestService(tuesday)
	user := uuid.New()
	store.states[user] = State{UserID: user, TotalXP: 2_000, RedeemedXP: 300}

	r, err := svc.Redeem(context.Background(), user, 600, 5_000)
	require.NoError(t, err)
	require.Equal(t, int64(600), r.DiscountCents)
	require.Equal(t, int64(900), r.Status.RedeemedXP)
	require.Equal(t, int64(1_100), r.Status.AvailableXP)
}

func TestRedeemRejections(t *testing.T) {
	svc, store := newTestService(tuesday)
	user := uuid.New()
	store.states[user] = State{UserID: user, TotalXP: 800}

	_, err := svc.Redeem(context.Background(), user, 900, 100_000)
	require.ErrorIs(t, err, ErrInsufficientXP)

	_, err = svc.Redeem(context.Background(), user, 100, 100_000)
	require.ErrorIs(t, err, ErrBelowMinimum)

	_, err = svc.Redeem(context.Background(), user, 600, 1_000)
	require.ErrorIs(t, err, ErrOverCap)

	st, _ := store.GetState(context.Background(), user)
	require.Equal(t, int64(0), st.RedeemedXP)
}

func TestConcurrentRedeemsNeverOverdraw(t *testing.T) {
	svc, store := newTestService(tuesday)
	user := uuid.New()
	store.states[user] = State{UserID: user, TotalXP: 1_000}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Redeem(context.Background(), user, 500, 10_000); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	st, _ := store.GetState(context.Background(), user)
	require.Equal(t, 2, ok)
	require.Equal(t, int64(1_000), st.RedeemedXP)
	require.LessOrEqual(t, st.RedeemedXP, st.TotalXP)
}

func TestAwardPurchaseAndRestore(t *testing.T) {
	svc, store := newTestService(tuesday)
	user := uuid.New()

	award, err := svc.AwardPurchase(context.Background(), user, 25_000)
	require.NoError(t, err)
	require.Equal(t, int64(2_500), award.Total)

	status, err := svc.Status(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, int64(25_000), status.LifetimeSpendCents)
	require.Equal(t, "Silver", status.Membership.Tier.Name)

	_, err = svc.Redeem(context.Background(), user, 1_000, 10_000)
	require.NoError(t, err)
	require.NoError(t, svc.Restore(context.Background(), user, 1_000, "checkout_expired"))

	st, _ := store.GetState(context.Background(), user)
	require.Equal(t, int64(0), st.RedeemedXP)
}
