// Package checkout applies a validated coupon to one checkout attempt and
// records its redemption atomically with the benefit.
package checkout

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

// Cart is the state of one checkout attempt. CurrentTotal never increases
// within an attempt.
type Cart struct {
	// AttemptID is the attempt nonce. Retrying ApplyCoupon with the same
	// AttemptID returns the recorded outcome instead of applying twice.
	AttemptID        string
	UserID           uuid.UUID
	SubscriptionID   *uuid.UUID
	SubscriptionTier string
	OriginalTotal    decimal.Decimal
	CurrentTotal     decimal.Decimal
	IPAddress        string
	UserAgent        string
	// RequestID correlates the redemption with the API request.
	RequestID string
	Applied   *AppliedDiscount
}

// AppliedDiscount summarizes the coupon applied to a cart.
type AppliedDiscount struct {
	CouponID     uuid.UUID
	Code         string
	Kind         coupon.Kind
	RedemptionID uuid.UUID
	// Amount is how much the cart total was reduced by.
	Amount decimal.Decimal

	SubscriptionPrice *decimal.Decimal
	PriceExpiresAt    *time.Time
	PeriodEnd         *time.Time
	CreditsGranted    int64
	LicenseID         *uuid.UUID
	LicenseKey        string

	// Replayed is set when the attempt had already been recorded.
	Replayed bool
}

func (c Cart) clone() *Cart {
	out := c
	if c.SubscriptionID != nil {
		id := *c.SubscriptionID
		out.SubscriptionID = &id
	}
	if c.Applied != nil {
		applied := *c.Applied
		out.Applied = &applied
	}
	return &out
}

func (c *Cart) checkContext() coupon.CheckContext {
	return coupon.CheckContext{
		CartTotal:        c.CurrentTotal,
		SubscriptionID:   c.SubscriptionID,
		SubscriptionTier: c.SubscriptionTier,
		IPAddress:        c.IPAddress,
		UserAgent:        c.UserAgent,
	}
}

// Quote is a preview of a coupon applied to a cart. Nothing is persisted.
type Quote struct {
	Code          string
	Kind          coupon.Kind
	OriginalTotal decimal.Decimal
	FinalTotal    decimal.Decimal
	Discount      decimal.Decimal
}
