package xp

import (
	"context"
	"fmt"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
	"github.com/google/uuid"
)

// State is a user's XP balance row.
type State struct {
	UserID             uuid.UUID `json:"user_id"`
	TotalXP            int64     `json:"total_xp"`
	RedeemedXP         int64     `json:"redeemed_xp"`
	LifetimeSpendCents int64     `json:"lifetime_spend_cents"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (s State) Available() int64 {
	return s.TotalXP - s.RedeemedXP
}

// Limit bounds how many earn rows for a source may exist since Since.
// Max 0 disables the check.
type Limit struct {
	Since time.Time
	Max   int
}

// Store is the XP ledger. Award and Redeem must serialise per user so limits
// and balances are checked against committed state.
type Store interface {
	GetState(ctx context.Context, userID uuid.UUID) (State, error)
	CountAwards(ctx context.Context, userID uuid.UUID, source string) (int, error)
	LoginStreak(ctx context.Context, userID uuid.UUID, today string, tz string) (int, error)
	Award(ctx context.Context, userID uuid.UUID, award Award, spendCents int64, limit Limit) (State, error)
	Redeem(ctx context.Context, userID uuid.UUID, xp int64, check func(available int64) error) (State, error)
	Restore(ctx context.Context, userID uuid.UUID, xp int64, reason string) (State, error)
}

type Options struct {
	VariableReinforcement bool
	PromoActions          []string
	Location              *time.Location
}

type Service struct {
	store         Store
	bus           events.Publisher
	metrics       *metrics.Metrics
	reinforcement bool
	promos        map[string]bool
	loc           *time.Location
	now           func() time.Time
	rand          func() float64
}

// NewService builds the ledger service. A nil Options.Location means UTC.
func NewService(store Store, bus events.Publisher, m *metrics.Metrics, opts Options) *Service {
	promos := make(map[string]bool, len(opts.PromoActions))
	for _, a := range opts.PromoActions {
		promos[a] = true
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:         store,
		bus:           bus,
		metrics:       m,
		reinforcement: opts.VariableReinforcement,
		promos:        promos,
		loc:           loc,
		now:           time.Now,
	}
}

// Status is the portal view of a user's XP.
type Status struct {
	TotalXP            int64      `json:"total_xp"`
	RedeemedXP         int64      `json:"redeemed_xp"`
	AvailableXP        int64      `json:"available_xp"`
	LifetimeSpendCents int64      `json:"lifetime_spend_cents"`
	Level              Level      `json:"level"`
	Membership         Membership `json:"membership"`
	MinRedemptionXP    int64      `json:"min_redemption_xp"`
	MaxRedemptionPct   int64      `json:"max_redemption_percent"`
}

func statusOf(st State) Status {
	return Status{
		TotalXP:            st.TotalXP,
		RedeemedXP:         st.RedeemedXP,
		AvailableXP:        st.Available(),
		LifetimeSpendCents: st.LifetimeSpendCents,
		Level:              GetLevel(st.TotalXP),
		Membership:         GetMembershipTier(st.LifetimeSpendCents, st.TotalXP),
		MinRedemptionXP:    MinRedemptionXP,
		MaxRedemptionPct:   MaxRedemptionPercent,
	}
}

// Status returns the user's balance, level and membership tier.
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (Status, error) {
	st, err := s.store.GetState(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("get xp state: %w", err)
	}
	return statusOf(st), nil
}

// Earn awards XP for an action. Bonus conditions are derived server side.
func (s *Service) Earn(ctx context.Context, userID uuid.UUID, action string) (Award, Status, error) {
	def, ok := LookupAction(action)
	if !ok {
		return Award{}, Status{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	now := s.now().In(s.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	prior, err := s.store.CountAwards(ctx, userID, action)
	if err != nil {
		return Award{}, Status{}, fmt.Errorf("count awards: %w", err)
	}
	if def.Once && prior > 0 {
		return Award{}, Status{}, ErrActionLimit
	}

	streak, err := s.store.LoginStreak(ctx, userID, now.Format("2006-01-02"), s.loc.String())
	if err != nil {
		return Award{}, Status{}, fmt.Errorf("login streak: %w", err)
	}

	var bonus []string
	if prior == 0 {
		bonus = append(bonus, BonusFirstAction)
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		bonus = append(bonus, BonusWeekend)
	}
	if s.promos[action] {
		bonus = append(bonus, BonusPromotion)
	}

	award, err := CalculateActionXP(action, ActionOptions{
		StreakDays:                  streak,
		BonusConditions:             bonus,
		EnableVariableReinforcement: s.reinforcement,
		Rand:                        s.rand,
	})
	if err != nil {
		return Award{}, Status{}, err
	}

	limit := Limit{}
	switch {
	case def.Once:
		limit = Limit{Max: 1}
	case def.DailyLimit > 0:
		limit = Limit{Since: dayStart, Max: def.DailyLimit}
	}

	st, err := s.store.Award(ctx, userID, award, 0, limit)
	if err != nil {
		return Award{}, Status{}, err
	}
	s.awarded(ctx, userID, award)
	return award, statusOf(st), nil
}

// EarnRequested is Earn for actions reported by the client.
func (s *Service) EarnRequested(ctx context.Context, userID uuid.UUID, action string) (Award, Status, error) {
	if def, ok := LookupAction(action); ok && def.Server {
		return Award{}, Status{}, ErrServerAction
	}
	return s.Earn(ctx, userID, action)
}

// AwardPurchase credits XP and lifetime spend for a paid order.
func (s *Service) AwardPurchase(ctx context.Context, userID uuid.UUID, amountCents int64) (Award, error) {
	award := CalculatePurchaseXP(amountCents, PurchaseOptions{
		EnableVariableReinforcement: s.reinforcement,
		Rand:                        s.rand,
	})
	if _, err := s.store.Award(ctx, userID, award, amountCents, Limit{}); err != nil {
		return Award{}, fmt.Errorf("award purchase xp: %w", err)
	}
	s.awarded(ctx, userID, award)
	return award, nil
}

// Redemption is the result of spending XP against an order.
type Redemption struct {
	XP            int64  `json:"xp"`
	DiscountCents int64  `json:"discount_cents"`
	Status        Status `json:"status"`
}

// Redeem spends xp against an order. Validation runs inside the store's
// per-user lock, so concurrent redemptions cannot overdraw the balance.
func (s *Service) Redeem(ctx context.Context, userID uuid.UUID, xp, orderTotalCents int64) (Redemption, error) {
	st, err := s.store.Redeem(ctx, userID, xp, func(available int64) error {
		return ValidateRedemption(xp, available, orderTotalCents)
	})
	if err != nil {
		return Redemption{}, err
	}

	if s.metrics != nil {
		s.metrics.XPRedeemed.Add(float64(xp))
	}
	s.publish(ctx, events.XPRedeemed, events.XPEvent{
		UserID:     userID.String(),
		Source:     "redemption",
		Amount:     xp,
		Multiplier: 1,
		OccurredAt: s.now(),
	})
	return Redemption{XP: xp, DiscountCents: XPToDiscount(xp), Status: statusOf(st)}, nil
}

// Restore returns previously redeemed XP, e.g. when a checkout session expires unpaid.
func (s *Service) Restore(ctx context.Context, userID uuid.UUID, xp int64, reason string) error {
	if xp <= 0 {
		return nil
	}
	if _, err := s.store.Restore(ctx, userID, xp, reason); err != nil {
		return fmt.Errorf("restore xp: %w", err)
	}
	return nil
}

func (s *Service) awarded(ctx context.Context, userID uuid.UUID, award Award) {
	if s.metrics != nil {
		s.metrics.XPAwarded.WithLabelValues(award.Source).Add(float64(award.Total))
	}
	if award.Jackpot {
		logger.InfoContext(ctx, "xp jackpot", "source", award.Source, "total", award.Total)
	}
	s.publish(ctx, events.XPAwarded, events.XPEvent{
		UserID:     userID.String(),
		Source:     award.Source,
		Amount:     award.Total,
		Multiplier: award.Multiplier,
		OccurredAt: s.now(),
	})
}

func (s *Service) publish(ctx context.Context, subject string, evt events.XPEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, evt); err != nil {
		logger.WarnContext(ctx, "failed to publish xp event", "subject", subject, "error", err)
	}
}
