// Package redemption records coupon redemptions and enforces per-user limits.
package redemption

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

// Attempt describes the checkout attempt being recorded.
type Attempt struct {
	UserID         uuid.UUID
	Nonce          string
	SubscriptionID *uuid.UUID
	OriginalAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	LicenseID      *uuid.UUID
	IPAddress      string
	UserAgent      string
	RequestID      string
}

// Recorder writes redemption records inside a caller-provided transaction.
type Recorder struct {
	now func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// lock takes the coupon lock when the coupon has a total cap, then the
// per-user usage lock. Every writer of redemptions goes through it, so the
// lock order is the same everywhere.
func lock(ctx context.Context, repo billing.RedemptionRepository, d *coupon.Descriptor, userID uuid.UUID) (used, total int, err error) {
	if d.MaxUses > 0 {
		total, err = repo.LockCoupon(ctx, d.CouponID)
		if err != nil {
			return 0, 0, fmt.Errorf("lock coupon: %w", err)
		}
	}
	used, err = repo.LockUsage(ctx, d.CouponID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("lock coupon usage: %w", err)
	}
	return used, total, nil
}

// Lookup locks the usage of d by userID and returns the redemption
// previously recorded for nonce, or billing.ErrRedemptionNotFound. Holding
// the lock, the caller may apply the benefit knowing no concurrent attempt
// with the same nonce can record in between.
func (r *Recorder) Lookup(ctx context.Context, tx billing.Tx, d *coupon.Descriptor, userID uuid.UUID, nonce string) (*billing.Redemption, error) {
	repo := tx.Redemptions()
	if _, _, err := lock(ctx, repo, d, userID); err != nil {
		return nil, err
	}

	red, err := repo.FindByAttempt(ctx, billing.AttemptKey{CouponID: d.CouponID, UserID: userID, Nonce: nonce})
	if err != nil {
		if errors.Is(err, billing.ErrRedemptionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find redemption: %w", err)
	}
	return red, nil
}

// Record appends a redemption of d for the attempt. Concurrent attempts by
// the same user for the same coupon serialize on the usage lock, and all
// attempts of a coupon with a total cap serialize on the coupon lock.
//
// When the attempt nonce is already recorded, billing.ErrAttemptRecorded is
// returned and nothing is written; the caller must roll back whatever it
// applied. When the user or the coupon has no redemptions left,
// billing.ErrRedemptionLimitExceeded is returned.
func (r *Recorder) Record(ctx context.Context, tx billing.Tx, d *coupon.Descriptor, a Attempt) (*billing.Redemption, error) {
	repo := tx.Redemptions()

	used, total, err := lock(ctx, repo, d, a.UserID)
	if err != nil {
		return nil, err
	}

	_, err = repo.FindByAttempt(ctx, billing.AttemptKey{CouponID: d.CouponID, UserID: a.UserID, Nonce: a.Nonce})
	switch {
	case err == nil:
		return nil, billing.ErrAttemptRecorded
	case !errors.Is(err, billing.ErrRedemptionNotFound):
		return nil, fmt.Errorf("find redemption: %w", err)
	}

	if d.MaxPerUser > 0 && used >= d.MaxPerUser {
		return nil, billing.ErrRedemptionLimitExceeded
	}
	if d.MaxUses > 0 && total >= d.MaxUses {
		return nil, errors.Wrap(billing.ErrRedemptionLimitExceeded, "coupon total")
	}

	now := r.now().UTC()
	red := &billing.Redemption{
		ID:             uuid.New(),
		CouponID:       d.CouponID,
		UserID:         a.UserID,
		Code:           d.Code,
		SubscriptionID: a.SubscriptionID,
		AttemptNonce:   a.Nonce,
		Kind:           d.Kind(),
		OriginalAmount: a.OriginalAmount,
		FinalAmount:    a.FinalAmount,
		LicenseID:      a.LicenseID,
		RedeemedAt:     now,
		IPAddress:      a.IPAddress,
		UserAgent:      a.UserAgent,
		RequestID:      a.RequestID,
	}
	if err := repo.Create(ctx, red); err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("create redemption: %w", err)
	}
	if err := repo.IncrementUsage(ctx, d.CouponID, a.UserID, now); err != nil {
		return nil, fmt.Errorf("increment coupon usage: %w", err)
	}
	return red, nil
}
