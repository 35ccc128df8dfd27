package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/billing"
)

var _ billing.Store = (*Store)(nil)

// Store implements billing.Store with PostgreSQL transactions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store that uses the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Within runs fn in a READ COMMITTED transaction. Row locks taken by the
// repositories serialize concurrent redemptions. Errors are not retried.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: pgxTx}); err != nil {
		rollback(ctx, pgxTx)
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		rollback(ctx, pgxTx)
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const putSubscriptionSQL = `INSERT INTO subscriptions (id, user_id, tier, base_price, current_period_end, monthly_credits)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		user_id = EXCLUDED.user_id,
		tier = EXCLUDED.tier,
		base_price = EXCLUDED.base_price,
		current_period_end = EXCLUDED.current_period_end,
		monthly_credits = EXCLUDED.monthly_credits,
		version = subscriptions.version + 1,
		updated_at = now()`

// PutSubscription creates or overwrites a subscription outside any checkout
// transaction. Used for provisioning and seeding.
func (s *Store) PutSubscription(ctx context.Context, sub billing.Subscription) error {
	_, err := s.pool.Exec(ctx, putSubscriptionSQL,
		sub.ID, sub.UserID, sub.Tier, sub.BasePrice, sub.CurrentPeriodEnd, sub.MonthlyCredits,
	)
	if err != nil {
		return fmt.Errorf("putting subscription %s: %w", sub.ID, err)
	}
	return nil
}

// rollback aborts tx even when ctx is already cancelled.
func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		zctx.From(ctx).Warn("Rollback failed", zap.Error(err))
	}
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Subscriptions() billing.SubscriptionRepository {
	return &SubscriptionRepository{db: t.tx}
}

func (t *pgTx) Redemptions() billing.RedemptionRepository {
	return &RedemptionRepository{db: t.tx}
}

func (t *pgTx) Credits() billing.CreditRepository {
	return &CreditRepository{db: t.tx}
}

func (t *pgTx) Adjustments() billing.AdjustmentRepository {
	return &AdjustmentRepository{db: t.tx}
}

func (t *pgTx) Licenses() billing.LicenseRepository {
	return &LicenseRepository{db: t.tx}
}
