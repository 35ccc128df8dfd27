package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/coupon-engine/internal/domain/billing"
)

const (
	getSubscriptionForUpdateSQL = `SELECT id, user_id, tier, base_price, current_period_end, monthly_credits, version
		FROM subscriptions WHERE id = $1 FOR UPDATE`

	updateSubscriptionSQL = `UPDATE subscriptions
		SET base_price = $2, current_period_end = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4
		RETURNING version`
)

var _ billing.SubscriptionRepository = (*SubscriptionRepository)(nil)

// SubscriptionRepository implements billing.SubscriptionRepository inside a
// transaction.
type SubscriptionRepository struct {
	db pgx.Tx
}

// GetForUpdate loads a subscription and row-locks it.
func (r *SubscriptionRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	rows, err := r.db.Query(ctx, getSubscriptionForUpdateSQL, id)
	if err != nil {
		return nil, fmt.Errorf("locking subscription %s: %w", id, err)
	}

	sub, err := pgx.CollectExactlyOneRow(rows, scanSubscription)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("locking subscription %s: %w", id, err)
	}
	return &sub, nil
}

// Update writes the price and period end if the version still matches.
func (r *SubscriptionRepository) Update(ctx context.Context, s *billing.Subscription) error {
	var version int64
	err := r.db.QueryRow(ctx, updateSubscriptionSQL,
		s.ID, s.BasePrice, s.CurrentPeriodEnd, s.Version,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.ErrStaleSubscription
		}
		return fmt.Errorf("updating subscription %s: %w", s.ID, err)
	}
	s.Version = version
	return nil
}

func scanSubscription(row pgx.CollectableRow) (billing.Subscription, error) {
	var s billing.Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.Tier, &s.BasePrice, &s.CurrentPeriodEnd, &s.MonthlyCredits, &s.Version,
	)
	return s, err
}
