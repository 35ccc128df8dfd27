package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/coupon-engine/internal/domain/billing"
)

const (
	insertLicenseSQL = `INSERT INTO licenses (id, user_id, coupon_id, license_key, purchase_price, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, coupon_id) DO NOTHING`

	getLicenseSQL = `SELECT id, user_id, coupon_id, license_key, purchase_price, version, created_at
		FROM licenses WHERE user_id = $1 AND coupon_id = $2`
)

var _ billing.LicenseRepository = (*LicenseRepository)(nil)

// LicenseRepository implements billing.LicenseRepository inside a
// transaction.
type LicenseRepository struct {
	db pgx.Tx
}

// CreateIfAbsent inserts l unless the user already holds a license from the
// same coupon, then returns the stored row.
func (r *LicenseRepository) CreateIfAbsent(ctx context.Context, l *billing.License) (*billing.License, error) {
	_, err := r.db.Exec(ctx, insertLicenseSQL,
		l.ID, l.UserID, l.CouponID, l.LicenseKey, l.PurchasePrice, l.Version, l.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting license: %w", err)
	}

	rows, err := r.db.Query(ctx, getLicenseSQL, l.UserID, l.CouponID)
	if err != nil {
		return nil, fmt.Errorf("reading license: %w", err)
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanLicense)
	if err != nil {
		return nil, fmt.Errorf("reading license: %w", err)
	}
	return &stored, nil
}

func scanLicense(row pgx.CollectableRow) (billing.License, error) {
	var l billing.License
	err := row.Scan(&l.ID, &l.UserID, &l.CouponID, &l.LicenseKey, &l.PurchasePrice, &l.Version, &l.CreatedAt)
	return l, err
}
