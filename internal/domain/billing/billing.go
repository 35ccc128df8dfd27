// Package billing defines the persisted billing entities touched by coupon
// redemption and the transactional store contract used to mutate them.
package billing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

// CreditSourceCoupon marks credit allocations granted by a coupon.
const CreditSourceCoupon = "coupon"

var (
	// ErrSubscriptionNotFound is returned when a referenced subscription does not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrRedemptionLimitExceeded is returned when a user has used up a coupon.
	ErrRedemptionLimitExceeded = errors.New("coupon redemption limit exceeded")
	// ErrRedemptionNotFound is returned when no redemption matches an attempt.
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrStaleSubscription is returned when a subscription changed between read and write.
	ErrStaleSubscription = errors.New("subscription was modified concurrently")
	// ErrAttemptRecorded is returned by a write that found the attempt
	// already recorded by another transaction. The writer must roll back.
	ErrAttemptRecorded = errors.New("checkout attempt already recorded")
)

// Subscription is a user's recurring plan.
type Subscription struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Tier             string
	BasePrice        decimal.Decimal
	CurrentPeriodEnd time.Time
	// MonthlyCredits is the credit allowance granted per billing month.
	MonthlyCredits int64
	Version        int64
}

// Redemption is the append-only record of a consumed coupon.
type Redemption struct {
	ID             uuid.UUID
	CouponID       uuid.UUID
	UserID         uuid.UUID
	Code           string
	SubscriptionID *uuid.UUID
	AttemptNonce   string
	Kind           coupon.Kind
	OriginalAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	LicenseID      *uuid.UUID
	RedeemedAt     time.Time
	IPAddress      string
	UserAgent      string
	// RequestID is the id of the API request that redeemed the coupon.
	RequestID string
}

// AttemptKey identifies one checkout attempt of a user with a coupon.
type AttemptKey struct {
	CouponID uuid.UUID
	UserID   uuid.UUID
	Nonce    string
}

// CreditAllocation grants credits for a period. It is never mutated.
type CreditAllocation struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Amount          int64
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Source          string
	RedemptionNonce string
}

// PriceAdjustment is a temporary base price reduction that the expiry sweep
// reverts once ExpiresAt has passed.
type PriceAdjustment struct {
	ID              uuid.UUID
	SubscriptionID  uuid.UUID
	CouponID        uuid.UUID
	OriginalPrice   decimal.Decimal
	DiscountedPrice decimal.Decimal
	StartsAt        time.Time
	ExpiresAt       time.Time
	RevertedAt      *time.Time
}

// License is a perpetual license granted at zero cost.
type License struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	CouponID      uuid.UUID
	LicenseKey    string
	PurchasePrice decimal.Decimal
	Version       string
	CreatedAt     time.Time
}

// SubscriptionRepository reads and writes subscriptions inside a transaction.
type SubscriptionRepository interface {
	// GetForUpdate loads the subscription and locks it until the
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// Update writes BasePrice and CurrentPeriodEnd if Version still
	// matches, and bumps Version on success.
	Update(ctx context.Context, s *Subscription) error
}

// RedemptionRepository stores redemptions and the per-user usage counters.
type RedemptionRepository interface {
	// LockUsage returns the number of redemptions of the coupon by the user,
	// holding a row lock on the counter until the transaction ends.
	LockUsage(ctx context.Context, couponID, userID uuid.UUID) (int, error)
	// LockCoupon returns the number of redemptions of the coupon by all
	// users, holding a lock on the coupon until the transaction ends. It is
	// taken before any usage row.
	LockCoupon(ctx context.Context, couponID uuid.UUID) (int, error)
	IncrementUsage(ctx context.Context, couponID, userID uuid.UUID, at time.Time) error
	FindByAttempt(ctx context.Context, key AttemptKey) (*Redemption, error)
	Create(ctx context.Context, r *Redemption) error
}

// CreditRepository appends credit allocations.
type CreditRepository interface {
	Create(ctx context.Context, a *CreditAllocation) error
}

// AdjustmentRepository stores temporary price adjustments.
type AdjustmentRepository interface {
	Create(ctx context.Context, a *PriceAdjustment) error
	// HasPending reports whether the subscription has an adjustment that
	// has not been reverted yet.
	HasPending(ctx context.Context, subscriptionID uuid.UUID) (bool, error)
	// ListExpired locks up to limit unreverted adjustments that expired
	// before now. Rows locked by another sweeper are skipped.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]PriceAdjustment, error)
	MarkReverted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// LicenseRepository stores licenses.
type LicenseRepository interface {
	// CreateIfAbsent inserts l unless a license for (UserID, CouponID)
	// already exists, and returns the stored license either way.
	CreateIfAbsent(ctx context.Context, l *License) (*License, error)
}

// Tx is an open transaction. Everything written through its repositories
// commits or rolls back together.
type Tx interface {
	Subscriptions() SubscriptionRepository
	Redemptions() RedemptionRepository
	Credits() CreditRepository
	Adjustments() AdjustmentRepository
	Licenses() LicenseRepository
}

// Store runs functions inside transactions.
type Store interface {
	// Within begins a transaction, calls fn, and commits if fn returns nil.
	// Any error from fn or a cancelled context rolls the transaction back.
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
