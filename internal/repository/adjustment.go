package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/coupon-engine/internal/domain/billing"
)

const (
	createPriceAdjustmentSQL = `INSERT INTO price_adjustments
		(id, subscription_id, coupon_id, original_price, discounted_price, starts_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	hasPendingAdjustmentSQL = `SELECT EXISTS (
		SELECT 1 FROM price_adjustments WHERE subscription_id = $1 AND reverted_at IS NULL)`

	listExpiredAdjustmentsSQL = `SELECT id, subscription_id, coupon_id, original_price, discounted_price,
		starts_at, expires_at, reverted_at
		FROM price_adjustments
		WHERE reverted_at IS NULL AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	markAdjustmentRevertedSQL = `UPDATE price_adjustments SET reverted_at = $2 WHERE id = $1`
)

var _ billing.AdjustmentRepository = (*AdjustmentRepository)(nil)

// AdjustmentRepository implements billing.AdjustmentRepository inside a
// transaction.
type AdjustmentRepository struct {
	db pgx.Tx
}

// Create inserts a price adjustment.
func (r *AdjustmentRepository) Create(ctx context.Context, a *billing.PriceAdjustment) error {
	_, err := r.db.Exec(ctx, createPriceAdjustmentSQL,
		a.ID, a.SubscriptionID, a.CouponID, a.OriginalPrice, a.DiscountedPrice, a.StartsAt, a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating price adjustment: %w", err)
	}
	return nil
}

// HasPending reports whether the subscription has an unreverted adjustment.
func (r *AdjustmentRepository) HasPending(ctx context.Context, subscriptionID uuid.UUID) (bool, error) {
	var pending bool
	if err := r.db.QueryRow(ctx, hasPendingAdjustmentSQL, subscriptionID).Scan(&pending); err != nil {
		return false, fmt.Errorf("checking pending adjustments of %s: %w", subscriptionID, err)
	}
	return pending, nil
}

// ListExpired locks up to limit pending adjustments that expired before now.
func (r *AdjustmentRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]billing.PriceAdjustment, error) {
	rows, err := r.db.Query(ctx, listExpiredAdjustmentsSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired adjustments: %w", err)
	}
	return pgx.CollectRows(rows, scanAdjustment)
}

// MarkReverted stamps the adjustment as reverted.
func (r *AdjustmentRepository) MarkReverted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, markAdjustmentRevertedSQL, id, at)
	if err != nil {
		return fmt.Errorf("marking adjustment %s reverted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("price adjustment %s not found", id)
	}
	return nil
}

func scanAdjustment(row pgx.CollectableRow) (billing.PriceAdjustment, error) {
	var a billing.PriceAdjustment
	err := row.Scan(
		&a.ID, &a.SubscriptionID, &a.CouponID, &a.OriginalPrice, &a.DiscountedPrice,
		&a.StartsAt, &a.ExpiresAt, &a.RevertedAt,
	)
	return a, err
}
