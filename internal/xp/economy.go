package xp

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

const (
	// MinRedemptionXP is the smallest redemption accepted.
	MinRedemptionXP int64 = 500
	// MaxRedemptionPercent caps a redemption relative to the order total.
	MaxRedemptionPercent int64 = 20
	// XPPerCurrencyUnit is earned per whole unit of spend.
	XPPerCurrencyUnit int64 = 10

	streakPercentPerDay = 5
	streakPercentCap    = 50
)

var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrInvalidAmount     = errors.New("redemption amount must be positive")
	ErrInvalidOrderTotal = errors.New("order total must be positive")
	ErrInsufficientXP    = errors.New("insufficient XP balance")
	ErrBelowMinimum      = fmt.Errorf("minimum redemption is %d XP", MinRedemptionXP)
	ErrOverCap           = fmt.Errorf("redemption cannot exceed %d%% of the order total", MaxRedemptionPercent)
	ErrActionLimit       = errors.New("XP for this action has already been awarded")
	ErrServerAction      = errors.New("XP for this action is awarded automatically")
)

// Action is an XP-earning activity. DailyLimit 0 means unlimited; Once
// actions pay out a single time per user. Server actions are only awarded by
// the backend itself (login, booking, referral conversion), never on request.
type Action struct {
	Name       string `json:"name"`
	BaseXP     int64  `json:"base_xp"`
	DailyLimit int    `json:"daily_limit,omitempty"`
	Once       bool   `json:"once,omitempty"`
	Server     bool   `json:"-"`
}

var actions = map[string]Action{
	"daily_login":       {Name: "daily_login", BaseXP: 10, DailyLimit: 1, Server: true},
	"article_read":      {Name: "article_read", BaseXP: 5, DailyLimit: 10},
	"booking_created":   {Name: "booking_created", BaseXP: 50, DailyLimit: 3, Server: true},
	"review_submitted":  {Name: "review_submitted", BaseXP: 100, DailyLimit: 1},
	"referral":          {Name: "referral", BaseXP: 250, Server: true},
	"profile_completed": {Name: "profile_completed", BaseXP: 25, Once: true},
	"newsletter_signup": {Name: "newsletter_signup", BaseXP: 20, Once: true},
	"quiz_completed":    {Name: "quiz_completed", BaseXP: 30, DailyLimit: 5},
}

// LookupAction returns the action definition.
func LookupAction(name string) (Action, bool) {
	a, ok := actions[name]
	return a, ok
}

// Bonus conditions and their percentage uplift.
const (
	BonusFirstAction = "first_action"
	BonusWeekend     = "weekend"
	BonusPromotion   = "promotion"
)

var bonusPercent = map[string]int64{
	BonusFirstAction: 25,
	BonusWeekend:     10,
	BonusPromotion:   50,
}

type ActionOptions struct {
	StreakDays                  int
	BonusConditions             []string
	EnableVariableReinforcement bool
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Award is the breakdown of an XP grant.
type Award struct {
	Source         string  `json:"source"`
	BaseXP         int64   `json:"base_xp"`
	StreakBonus    int64   `json:"streak_bonus"`
	ConditionBonus int64   `json:"condition_bonus"`
	Multiplier     float64 `json:"multiplier"`
	Jackpot        bool    `json:"jackpot"`
	Total          int64   `json:"total"`
}

// CalculateActionXP prices an action including streak, bonus conditions and
// the optional variable reinforcement multiplier.
func CalculateActionXP(action string, opts ActionOptions) (Award, error) {
	a, ok := actions[action]
	if !ok {
		return Award{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	award := Award{Source: action, BaseXP: a.BaseXP, Multiplier: 1}
	award.StreakBonus = a.BaseXP * StreakPercent(opts.StreakDays) / 100

	seen := make(map[string]bool, len(opts.BonusConditions))
	for _, c := range opts.BonusConditions {
		if pct, ok := bonusPercent[c]; ok && !seen[c] {
			seen[c] = true
			award.ConditionBonus += a.BaseXP * pct / 100
		}
	}

	if opts.EnableVariableReinforcement {
		award.Multiplier = reinforcement(opts.Rand)
		award.Jackpot = award.Multiplier >= 3
	}

	award.Total = int64(math.Round(float64(award.BaseXP+award.StreakBonus+award.ConditionBonus) * award.Multiplier))
	return award, nil
}

// StreakPercent is 5% per consecutive day, capped at 50%.
func StreakPercent(days int) int64 {
	if days <= 0 {
		return 0
	}
	pct := int64(days) * streakPercentPerDay
	if pct > streakPercentCap {
		return streakPercentCap
	}
	return pct
}

type PurchaseOptions struct {
	EnableVariableReinforcement bool
	Rand                        func() float64
}

// CalculatePurchaseXP awards XPPerCurrencyUnit per whole currency unit spent.
func CalculatePurchaseXP(amountCents int64, opts PurchaseOptions) Award {
	if amountCents <= 0 {
		return Award{Source: "purchase", Multiplier: 1}
	}
	award := Award{Source: "purchase", BaseXP: amountCents / 100 * XPPerCurrencyUnit, Multiplier: 1}
	if opts.EnableVariableReinforcement {
		award.Multiplier = reinforcement(opts.Rand)
		award.Jackpot = award.Multiplier >= 3
	}
	award.Total = int64(math.Round(float64(award.BaseXP) * award.Multiplier))
	return award
}

// reinforcement draws the variable-ratio multiplier:
// 70% x1, 20% x1.5, 8% x2, 2% x3.
func reinforcement(r func() float64) float64 {
	if r == nil {
		r = rand.Float64
	}
	switch v := r(); {
	case v < 0.70:
		return 1
	case v < 0.90:
		return 1.5
	case v < 0.98:
		return 2
	default:
		return 3
	}
}

// XPToDiscount converts XP to a discount in cents. 1 XP is worth 1 cent.
func XPToDiscount(xp int64) int64 {
	if xp <= 0 {
		return 0
	}
	return xp
}

// RedemptionCap is the most XP an order of orderTotalCents may absorb.
func RedemptionCap(orderTotalCents int64) int64 {
	if orderTotalCents <= 0 {
		return 0
	}
	return orderTotalCents * MaxRedemptionPercent / 100
}

// CalculateMaxRedeemableXP is the lesser of the balance and the per-order cap.
func CalculateMaxRedeemableXP(orderTotalCents, availableXP int64) int64 {
	if availableXP <= 0 {
		return 0
	}
	return min(availableXP, RedemptionCap(orderTotalCents))
}

// ValidateRedemption checks a request against balance, minimum and cap, in that order.
func ValidateRedemption(xp, availableXP, orderTotalCents int64) error {
	switch {
	case xp <= 0:
		return ErrInvalidAmount
	case orderTotalCents <= 0:
		return ErrInvalidOrderTotal
	case xp > availableXP:
		return ErrInsufficientXP
	case xp < MinRedemptionXP:
		return ErrBelowMinimum
	case xp > RedemptionCap(orderTotalCents):
		return ErrOverCap
	}
	return nil
}

var levelThresholds = []int64{0, 100, 250, 500, 1000, 2000, 3500, 5000, 7500, 10000}

var levelNames = []string{
	"Newcomer", "Visitor", "Reader", "Informed", "Engaged",
	"Advocate", "Insider", "Confidant", "Partner", "Counsel Circle",
}

type Level struct {
	Level        int     `json:"level"`
	Name         string  `json:"name"`
	CurrentMinXP int64   `json:"current_min_xp"`
	NextLevelXP  int64   `json:"next_level_xp,omitempty"`
	Progress     float64 `json:"progress"`
	IsMax        bool    `json:"is_max"`
}

// GetLevel maps lifetime XP to a level with progress towards the next one.
func GetLevel(xp int64) Level {
	idx := 0
	for i, t := range levelThresholds {
		if xp >= t {
			idx = i
		}
	}

	lvl := Level{Level: idx + 1, Name: levelNames[idx], CurrentMinXP: levelThresholds[idx]}
	if idx == len(levelThresholds)-1 {
		lvl.IsMax = true
		lvl.Progress = 1
		return lvl
	}
	lvl.NextLevelXP = levelThresholds[idx+1]
	lvl.Progress = fraction(xp-lvl.CurrentMinXP, lvl.NextLevelXP-lvl.CurrentMinXP)
	return lvl
}

type Tier struct {
	Name          string `json:"name"`
	MinSpendCents int64  `json:"min_spend_cents"`
	MinXP         int64  `json:"min_xp"`
}

var tiers = []Tier{
	{Name: "Bronze"},
	{Name: "Silver", MinSpendCents: 50_000, MinXP: 2_000},
	{Name: "Gold", MinSpendCents: 200_000, MinXP: 7_500},
	{Name: "Platinum", MinSpendCents: 500_000, MinXP: 20_000},
}

type Membership struct {
	Tier     Tier    `json:"tier"`
	Next     *Tier   `json:"next,omitempty"`
	Progress float64 `json:"progress"`
}

// GetMembershipTier qualifies on either lifetime spend or lifetime XP.
// Progress is whichever path is closer to the next tier.
func GetMembershipTier(spendCents, xp int64) Membership {
	idx := 0
	for i, t := range tiers {
		if spendCents >= t.MinSpendCents || xp >= t.MinXP {
			idx = i
		}
	}

	m := Membership{Tier: tiers[idx]}
	if idx == len(tiers)-1 {
		m.Progress = 1
		return m
	}
	next := tiers[idx+1]
	m.Next = &next
	m.Progress = math.Max(fraction(spendCents, next.MinSpendCents), fraction(xp, next.MinXP))
	return m
}

func fraction(n, d int64) float64 {
	if d <= 0 {
		return 1
	}
	f := float64(n) / float64(d)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return math.Round(f*1000) / 1000
}
