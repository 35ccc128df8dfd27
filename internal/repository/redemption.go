package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/coupon-engine/internal/domain/billing"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

const (
	ensureUsageSQL = `INSERT INTO coupon_usage (coupon_id, user_id, usage_count)
		VALUES ($1, $2, 0)
		ON CONFLICT (coupon_id, user_id) DO NOTHING`

	lockUsageSQL = `SELECT usage_count FROM coupon_usage
		WHERE coupon_id = $1 AND user_id = $2 FOR UPDATE`

	incrementUsageSQL = `UPDATE coupon_usage
		SET usage_count = usage_count + 1, last_redeemed_at = $3
		WHERE coupon_id = $1 AND user_id = $2`

	lockCouponSQL = `SELECT id FROM coupons WHERE id = $1 FOR NO KEY UPDATE`

	countRedemptionsSQL = `SELECT count(*) FROM coupon_redemptions WHERE coupon_id = $1`

	findRedemptionByAttemptSQL = `SELECT id, coupon_id, user_id, code, subscription_id, attempt_nonce, kind,
		original_amount, final_amount, license_id, redeemed_at, ip_address, user_agent, request_id
		FROM coupon_redemptions
		WHERE coupon_id = $1 AND user_id = $2 AND attempt_nonce = $3`

	createRedemptionSQL = `INSERT INTO coupon_redemptions (id, coupon_id, user_id, code, subscription_id,
		attempt_nonce, kind, original_amount, final_amount, license_id, redeemed_at, ip_address, user_agent, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
)

var _ billing.RedemptionRepository = (*RedemptionRepository)(nil)

// RedemptionRepository implements billing.RedemptionRepository inside a
// transaction.
type RedemptionRepository struct {
	db pgx.Tx
}

// LockUsage creates the usage row if needed and locks it for the rest of the
// transaction.
func (r *RedemptionRepository) LockUsage(ctx context.Context, couponID, userID uuid.UUID) (int, error) {
	if _, err := r.db.Exec(ctx, ensureUsageSQL, couponID, userID); err != nil {
		return 0, fmt.Errorf("ensuring usage row: %w", err)
	}

	var count int32
	if err := r.db.QueryRow(ctx, lockUsageSQL, couponID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("locking usage row: %w", err)
	}
	return int(count), nil
}

// LockCoupon locks the coupon row and counts its redemptions. Redemptions
// are only inserted under this lock for capped coupons, so the count stays
// exact until the transaction ends.
func (r *RedemptionRepository) LockCoupon(ctx context.Context, couponID uuid.UUID) (int, error) {
	var id uuid.UUID
	if err := r.db.QueryRow(ctx, lockCouponSQL, couponID).Scan(&id); err != nil {
		return 0, fmt.Errorf("locking coupon %s: %w", couponID, err)
	}

	var count int64
	if err := r.db.QueryRow(ctx, countRedemptionsSQL, couponID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting redemptions of %s: %w", couponID, err)
	}
	return int(count), nil
}

// IncrementUsage bumps the usage counter locked by LockUsage.
func (r *RedemptionRepository) IncrementUsage(ctx context.Context, couponID, userID uuid.UUID, at time.Time) error {
	if _, err := r.db.Exec(ctx, incrementUsageSQL, couponID, userID, at); err != nil {
		return fmt.Errorf("incrementing usage: %w", err)
	}
	return nil
}

// FindByAttempt returns the redemption recorded for an attempt.
func (r *RedemptionRepository) FindByAttempt(ctx context.Context, key billing.AttemptKey) (*billing.Redemption, error) {
	rows, err := r.db.Query(ctx, findRedemptionByAttemptSQL, key.CouponID, key.UserID, key.Nonce)
	if err != nil {
		return nil, fmt.Errorf("finding redemption for attempt %q: %w", key.Nonce, err)
	}

	red, err := pgx.CollectExactlyOneRow(rows, scanRedemption)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("finding redemption for attempt %q: %w", key.Nonce, err)
	}
	return &red, nil
}

// Create inserts a redemption. A dangling subscription reference is
// reported as billing.ErrSubscriptionNotFound.
func (r *RedemptionRepository) Create(ctx context.Context, red *billing.Redemption) error {
	_, err := r.db.Exec(ctx, createRedemptionSQL,
		red.ID, red.CouponID, red.UserID, red.Code, red.SubscriptionID,
		red.AttemptNonce, string(red.Kind), red.OriginalAmount, red.FinalAmount, red.LicenseID,
		red.RedeemedAt, red.IPAddress, red.UserAgent, red.RequestID,
	)
	if err != nil {
		if pgErrCode(err) == pgErrForeignKeyViolation && red.SubscriptionID != nil {
			return billing.ErrSubscriptionNotFound
		}
		return fmt.Errorf("creating redemption: %w", err)
	}
	return nil
}

func scanRedemption(row pgx.CollectableRow) (billing.Redemption, error) {
	var (
		red  billing.Redemption
		kind string
	)
	err := row.Scan(
		&red.ID, &red.CouponID, &red.UserID, &red.Code, &red.SubscriptionID, &red.AttemptNonce, &kind,
		&red.OriginalAmount, &red.FinalAmount, &red.LicenseID, &red.RedeemedAt, &red.IPAddress, &red.UserAgent, &red.RequestID,
	)
	red.Kind = coupon.Kind(kind)
	return red, err
}
