// Package expiry reverts temporary subscription price adjustments once they
// expire.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/billing"
)

const defaultBatchSize = 100

// Sweeper restores subscription prices whose discount period has ended.
type Sweeper struct {
	store     billing.Store
	batchSize int
	now       func() time.Time
	onSweep   func(time.Time)
}

// NewSweeper creates a Sweeper that reverts up to batchSize adjustments per
// transaction.
func NewSweeper(store billing.Store, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Sweeper{store: store, batchSize: batchSize, now: time.Now}
}

// OnSweep registers fn to be called after every successful sweep pass, with
// the pass time. Used to feed a liveness heartbeat.
func (s *Sweeper) OnSweep(fn func(time.Time)) {
	s.onSweep = fn
}

// SweepOnce reverts one batch of expired adjustments and returns how many
// were processed. The subscription price is only restored when it still
// equals the discounted price; a price changed by someone else since is kept.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	lg := zctx.From(ctx)
	var n int
	err := s.store.Within(ctx, func(ctx context.Context, tx billing.Tx) error {
		now := s.now().UTC()
		expired, err := tx.Adjustments().ListExpired(ctx, now, s.batchSize)
		if err != nil {
			return fmt.Errorf("list expired adjustments: %w", err)
		}

		for _, adj := range expired {
			sub, err := tx.Subscriptions().GetForUpdate(ctx, adj.SubscriptionID)
			switch {
			case errors.Is(err, billing.ErrSubscriptionNotFound):
				lg.Warn("Subscription of price adjustment is gone",
					zap.Stringer("adjustment_id", adj.ID),
					zap.Stringer("subscription_id", adj.SubscriptionID),
				)
			case err != nil:
				return fmt.Errorf("lock subscription %s: %w", adj.SubscriptionID, err)
			case sub.BasePrice.Equal(adj.DiscountedPrice):
				sub.BasePrice = adj.OriginalPrice
				if err := tx.Subscriptions().Update(ctx, sub); err != nil {
					return fmt.Errorf("restore subscription %s price: %w", sub.ID, err)
				}
			default:
				lg.Info("Subscription price changed since discount, keeping it",
					zap.Stringer("adjustment_id", adj.ID),
					zap.Stringer("subscription_id", sub.ID),
					zap.Stringer("price", sub.BasePrice),
				)
			}

			if err := tx.Adjustments().MarkReverted(ctx, adj.ID, now); err != nil {
				return fmt.Errorf("mark adjustment %s reverted: %w", adj.ID, err)
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. A full batch is followed
// immediately by another sweep.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			n, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				lg.Error("Price adjustment sweep failed", zap.Error(err))
				break
			}
			if n > 0 {
				lg.Info("Reverted expired price adjustments", zap.Int("count", n))
			}
			if n < s.batchSize {
				if s.onSweep != nil {
					s.onSweep(s.now())
				}
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
