package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-engine/internal/domain/billing"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

// LicenseGranter grants perpetual licenses for full buyout coupons. Granting
// again for the same (user, coupon) must return the existing license.
type LicenseGranter interface {
	GrantZeroCostLicense(ctx context.Context, tx billing.Tx, userID, couponID uuid.UUID) (*billing.License, error)
}

// Effect describes what Apply changed besides the cart.
type Effect struct {
	Subscription *billing.Subscription
	Adjustment   *billing.PriceAdjustment
	Credit       *billing.CreditAllocation
	License      *billing.License
}

// Applicator applies a descriptor's benefit. Cart kinds only change the
// in-memory cart; subscription and license kinds write through tx.
type Applicator struct {
	licenses LicenseGranter
	now      func() time.Time
}

// NewApplicator creates an Applicator.
func NewApplicator(licenses LicenseGranter) *Applicator {
	return &Applicator{licenses: licenses, now: time.Now}
}

// Apply applies d to cart inside tx.
func (a *Applicator) Apply(ctx context.Context, tx billing.Tx, d *coupon.Descriptor, cart *Cart) (*Effect, error) {
	switch b := d.Benefit.(type) {
	case coupon.Percentage, coupon.FixedAmount:
		total, err := coupon.FinalPrice(cart.CurrentTotal, d)
		if err != nil {
			return nil, err
		}
		cart.CurrentTotal = total
		return &Effect{}, nil
	case coupon.TierPercentage:
		return a.applyTierPercentage(ctx, tx, d, b, cart)
	case coupon.DurationBonus:
		return a.applyDurationBonus(ctx, tx, b, cart)
	case coupon.FullBuyout:
		l, err := a.licenses.GrantZeroCostLicense(ctx, tx, cart.UserID, d.CouponID)
		if err != nil {
			return nil, err
		}
		cart.CurrentTotal = decimal.Zero
		return &Effect{License: l}, nil
	default:
		return nil, errors.Errorf("unsupported discount kind: %T", d.Benefit)
	}
}

func (a *Applicator) applyTierPercentage(
	ctx context.Context,
	tx billing.Tx,
	d *coupon.Descriptor,
	b coupon.TierPercentage,
	cart *Cart,
) (*Effect, error) {
	sub, err := lockSubscription(ctx, tx, cart)
	if err != nil {
		return nil, err
	}

	// At most one unreverted adjustment per subscription.
	pending, err := tx.Adjustments().HasPending(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("check pending adjustments: %w", err)
	}
	if pending {
		return nil, &ValidationFailedError{Reasons: []string{ReasonTierDiscountActive}}
	}

	discounted, err := coupon.FinalPrice(sub.BasePrice, d)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	adj := &billing.PriceAdjustment{
		ID:              uuid.New(),
		SubscriptionID:  sub.ID,
		CouponID:        d.CouponID,
		OriginalPrice:   sub.BasePrice,
		DiscountedPrice: discounted,
		StartsAt:        now,
		ExpiresAt:       billing.AddMonthsClamped(now, b.DurationMonths),
	}

	sub.BasePrice = discounted
	if err := tx.Subscriptions().Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription price: %w", err)
	}
	if err := tx.Adjustments().Create(ctx, adj); err != nil {
		return nil, fmt.Errorf("create price adjustment: %w", err)
	}
	return &Effect{Subscription: sub, Adjustment: adj}, nil
}

func (a *Applicator) applyDurationBonus(
	ctx context.Context,
	tx billing.Tx,
	b coupon.DurationBonus,
	cart *Cart,
) (*Effect, error) {
	sub, err := lockSubscription(ctx, tx, cart)
	if err != nil {
		return nil, err
	}

	start := sub.CurrentPeriodEnd
	sub.CurrentPeriodEnd = billing.AddMonthsClamped(start, b.BonusMonths)
	if err := tx.Subscriptions().Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("extend subscription period: %w", err)
	}

	effect := &Effect{Subscription: sub}
	if b.BonusMonths == 0 || sub.MonthlyCredits <= 0 {
		return effect, nil
	}

	credit := &billing.CreditAllocation{
		ID:              uuid.New(),
		UserID:          cart.UserID,
		Amount:          sub.MonthlyCredits * int64(b.BonusMonths),
		PeriodStart:     start,
		PeriodEnd:       sub.CurrentPeriodEnd,
		Source:          billing.CreditSourceCoupon,
		RedemptionNonce: cart.AttemptID,
	}
	if err := tx.Credits().Create(ctx, credit); err != nil {
		return nil, fmt.Errorf("allocate bonus credits: %w", err)
	}
	effect.Credit = credit
	return effect, nil
}

// lockSubscription loads the cart's subscription for update. A missing id,
// a missing row, or a row owned by another user is ErrSubscriptionNotFound.
func lockSubscription(ctx context.Context, tx billing.Tx, cart *Cart) (*billing.Subscription, error) {
	if cart.SubscriptionID == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	sub, err := tx.Subscriptions().GetForUpdate(ctx, *cart.SubscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lock subscription: %w", err)
	}
	if sub.UserID != cart.UserID {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub, nil
}
