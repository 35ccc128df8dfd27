package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind enumerates the supported discount kinds.
type Kind string

const (
	// KindPercentage reduces the cart total by a percentage.
	KindPercentage Kind = "percentage"
	// KindFixedAmount reduces the cart total by a fixed amount, floored at zero.
	KindFixedAmount Kind = "fixed_amount"
	// KindTierPercentage reduces a subscription's base price for a number of months.
	KindTierPercentage Kind = "tier_specific_percentage"
	// KindDurationBonus extends a subscription's current period by whole months.
	KindDurationBonus Kind = "duration_bonus"
	// KindFullBuyout grants a perpetual license at zero cost.
	KindFullBuyout Kind = "full_buyout"
)

// ErrInvalidCoupon is returned when a coupon code is not found or inactive.
var ErrInvalidCoupon = errors.New("invalid coupon code")

var hundred = decimal.NewFromInt(100)

// Benefit is the kind-specific part of a Descriptor. The set of
// implementations is closed: Percentage, FixedAmount, TierPercentage,
// DurationBonus and FullBuyout.
type Benefit interface {
	Kind() Kind
	isBenefit()
}

// Percentage takes Percent percent off the cart total.
type Percentage struct {
	Percent decimal.Decimal
}

// FixedAmount takes Amount off the cart total.
type FixedAmount struct {
	Amount decimal.Decimal
}

// TierPercentage takes Percent percent off a subscription's base price for
// DurationMonths months. Tier, when set, restricts the coupon to that tier.
type TierPercentage struct {
	Percent        decimal.Decimal
	DurationMonths int
	Tier           string
}

// DurationBonus adds BonusMonths calendar months to a subscription's period.
type DurationBonus struct {
	BonusMonths int
}

// FullBuyout grants a zero-cost perpetual license.
type FullBuyout struct{}

func (Percentage) Kind() Kind     { return KindPercentage }
func (FixedAmount) Kind() Kind    { return KindFixedAmount }
func (TierPercentage) Kind() Kind { return KindTierPercentage }
func (DurationBonus) Kind() Kind  { return KindDurationBonus }
func (FullBuyout) Kind() Kind     { return KindFullBuyout }

func (Percentage) isBenefit()     {}
func (FixedAmount) isBenefit()    {}
func (TierPercentage) isBenefit() {}
func (DurationBonus) isBenefit()  {}
func (FullBuyout) isBenefit()     {}

// NewPercentage returns a Percentage benefit. Percent must be within [0, 100].
func NewPercentage(percent decimal.Decimal) (Percentage, error) {
	if err := checkPercent(percent); err != nil {
		return Percentage{}, err
	}
	return Percentage{Percent: percent}, nil
}

// NewFixedAmount returns a FixedAmount benefit. Amount must not be negative.
func NewFixedAmount(amount decimal.Decimal) (FixedAmount, error) {
	if amount.IsNegative() {
		return FixedAmount{}, errors.Errorf("fixed amount %s is negative", amount)
	}
	return FixedAmount{Amount: amount}, nil
}

// NewTierPercentage returns a TierPercentage benefit.
func NewTierPercentage(percent decimal.Decimal, durationMonths int, tier string) (TierPercentage, error) {
	if err := checkPercent(percent); err != nil {
		return TierPercentage{}, err
	}
	if durationMonths < 1 {
		return TierPercentage{}, errors.Errorf("duration %d months must be at least 1", durationMonths)
	}
	return TierPercentage{Percent: percent, DurationMonths: durationMonths, Tier: tier}, nil
}

// NewDurationBonus returns a DurationBonus benefit.
func NewDurationBonus(bonusMonths int) (DurationBonus, error) {
	if bonusMonths < 0 {
		return DurationBonus{}, errors.Errorf("bonus months %d is negative", bonusMonths)
	}
	return DurationBonus{BonusMonths: bonusMonths}, nil
}

func checkPercent(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return errors.Errorf("percentage %s outside [0, 100]", p)
	}
	return nil
}

// Descriptor is the validated outcome of coupon eligibility checking. It is
// immutable and scoped to a single checkout attempt.
type Descriptor struct {
	CouponID uuid.UUID
	Code     string
	// MaxPerUser is the per-user redemption limit; zero means unlimited.
	MaxPerUser int
	// MaxUses caps redemptions across all users; zero means unlimited.
	MaxUses int
	Benefit Benefit
}

// Kind returns the discount kind of the descriptor's benefit.
func (d *Descriptor) Kind() Kind {
	if d.Benefit == nil {
		return ""
	}
	return d.Benefit.Kind()
}

// TouchesSubscription reports whether applying the descriptor mutates a
// persisted subscription.
func (d *Descriptor) TouchesSubscription() bool {
	switch d.Benefit.(type) {
	case TierPercentage, DurationBonus:
		return true
	default:
		return false
	}
}

// Rule is a coupon definition as stored. The kind-specific columns are
// nullable; Descriptor turns a Rule into a typed benefit.
type Rule struct {
	ID             uuid.UUID
	Code           string
	Kind           Kind
	Percentage     decimal.NullDecimal
	FixedAmount    decimal.NullDecimal
	DurationMonths *int
	BonusMonths    *int
	Tier           string
	MinCartTotal   decimal.Decimal
	MaxUses        int
	Uses           int
	MaxPerUser     int
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	Description    string
}

// Descriptor builds the typed descriptor for the rule. Unknown kinds and
// missing or out-of-range parameters are reported as errors.
func (r *Rule) Descriptor() (*Descriptor, error) {
	var (
		b   Benefit
		err error
	)
	switch r.Kind {
	case KindPercentage:
		if !r.Percentage.Valid {
			return nil, errors.New("percentage coupon without percentage")
		}
		b, err = NewPercentage(r.Percentage.Decimal)
	case KindFixedAmount:
		if !r.FixedAmount.Valid {
			return nil, errors.New("fixed amount coupon without amount")
		}
		b, err = NewFixedAmount(r.FixedAmount.Decimal)
	case KindTierPercentage:
		if !r.Percentage.Valid || r.DurationMonths == nil {
			return nil, errors.New("tier coupon without percentage or duration")
		}
		b, err = NewTierPercentage(r.Percentage.Decimal, *r.DurationMonths, r.Tier)
	case KindDurationBonus:
		if r.BonusMonths == nil {
			return nil, errors.New("duration bonus coupon without bonus months")
		}
		b, err = NewDurationBonus(*r.BonusMonths)
	case KindFullBuyout:
		b = FullBuyout{}
	default:
		return nil, errors.Errorf("unsupported discount kind: %q", r.Kind)
	}
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		CouponID:   r.ID,
		Code:       r.Code,
		MaxPerUser: r.MaxPerUser,
		MaxUses:    r.MaxUses,
		Benefit:    b,
	}, nil
}

// Repository provides lookup of coupon rules.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
	ListActiveCodes(ctx context.Context) ([]string, error)
}
