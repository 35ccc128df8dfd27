package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/coupon-engine/internal/domain/billing"
)

const createCreditAllocationSQL = `INSERT INTO credit_allocations
	(id, user_id, amount, period_start, period_end, source, redemption_nonce)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

var _ billing.CreditRepository = (*CreditRepository)(nil)

// CreditRepository implements billing.CreditRepository inside a transaction.
type CreditRepository struct {
	db pgx.Tx
}

// Create appends a credit allocation.
func (r *CreditRepository) Create(ctx context.Context, a *billing.CreditAllocation) error {
	_, err := r.db.Exec(ctx, createCreditAllocationSQL,
		a.ID, a.UserID, a.Amount, a.PeriodStart, a.PeriodEnd, a.Source, a.RedemptionNonce,
	)
	if err != nil {
		return fmt.Errorf("creating credit allocation: %w", err)
	}
	return nil
}
