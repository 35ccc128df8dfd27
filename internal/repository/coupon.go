package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT c.id, c.code, c.kind, c.percentage, c.fixed_amount, c.duration_months,
		c.bonus_months, c.tier, c.min_cart_total, c.max_uses, c.max_per_user, c.valid_from, c.valid_until,
		c.description,
		(SELECT count(*) FROM coupon_redemptions r WHERE r.coupon_id = c.id) AS uses
		FROM coupons c WHERE UPPER(c.code) = UPPER($1) AND c.active = TRUE`

	listActiveCouponCodesSQL = `SELECT code FROM coupons WHERE active = TRUE`

	listCouponCodesSQL = `SELECT code FROM coupons`

	upsertCouponSQL = `INSERT INTO coupons (id, code, kind, percentage, fixed_amount, duration_months,
		bonus_months, tier, min_cart_total, max_uses, max_per_user, valid_from, valid_until, description, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, TRUE)
		ON CONFLICT ((UPPER(code))) DO UPDATE SET
			kind = EXCLUDED.kind,
			percentage = EXCLUDED.percentage,
			fixed_amount = EXCLUDED.fixed_amount,
			duration_months = EXCLUDED.duration_months,
			bonus_months = EXCLUDED.bonus_months,
			tier = EXCLUDED.tier,
			min_cart_total = EXCLUDED.min_cart_total,
			max_uses = EXCLUDED.max_uses,
			max_per_user = EXCLUDED.max_per_user,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			description = EXCLUDED.description,
			active = TRUE`
)

var couponColumns = []string{
	"id", "code", "kind", "percentage", "fixed_amount", "duration_months", "bonus_months", "tier",
	"min_cart_total", "max_uses", "max_per_user", "valid_from", "valid_until", "description",
}

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up an active coupon by its code (case-insensitive).
// Returns coupon.ErrInvalidCoupon when no matching active coupon exists.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Rule, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanCouponRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrInvalidCoupon
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &rule, nil
}

// ListActiveCodes returns the codes of all active coupons.
func (r *CouponRepository) ListActiveCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listActiveCouponCodesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupon codes: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ListAllCodes returns the codes of all coupons, active or not.
func (r *CouponRepository) ListAllCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listCouponCodesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing all coupon codes: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Upsert inserts the rule or replaces the definition of the coupon with the
// same code.
func (r *CouponRepository) Upsert(ctx context.Context, rule *coupon.Rule) error {
	_, err := r.pool.Exec(ctx, upsertCouponSQL, couponValues(rule)...)
	if err != nil {
		return fmt.Errorf("upserting coupon %q: %w", rule.Code, err)
	}
	return nil
}

// CopyNew bulk-inserts rules whose codes are not yet stored.
func (r *CouponRepository) CopyNew(ctx context.Context, rules []coupon.Rule) (int64, error) {
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"coupons"}, couponColumns,
		pgx.CopyFromSlice(len(rules), func(i int) ([]any, error) {
			return couponValues(&rules[i]), nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copying coupons: %w", err)
	}
	return n, nil
}

func couponValues(rule *coupon.Rule) []any {
	return []any{
		rule.ID, rule.Code, string(rule.Kind), rule.Percentage, rule.FixedAmount, rule.DurationMonths,
		rule.BonusMonths, rule.Tier, rule.MinCartTotal, rule.MaxUses, rule.MaxPerUser,
		rule.ValidFrom, rule.ValidUntil, rule.Description,
	}
}

func scanCouponRule(row pgx.CollectableRow) (coupon.Rule, error) {
	var (
		rule           coupon.Rule
		kind           string
		durationMonths *int32
		bonusMonths    *int32
		maxUses        int32
		maxPerUser     int32
		validFrom      *time.Time
		validUntil     *time.Time
		uses           int64
	)
	err := row.Scan(
		&rule.ID, &rule.Code, &kind, &rule.Percentage, &rule.FixedAmount, &durationMonths,
		&bonusMonths, &rule.Tier, &rule.MinCartTotal, &maxUses, &maxPerUser, &validFrom, &validUntil,
		&rule.Description, &uses,
	)
	rule.Kind = coupon.Kind(kind)
	rule.DurationMonths = intPtr(durationMonths)
	rule.BonusMonths = intPtr(bonusMonths)
	rule.MaxUses = int(maxUses)
	rule.MaxPerUser = int(maxPerUser)
	rule.ValidFrom = validFrom
	rule.ValidUntil = validUntil
	rule.Uses = int(uses)
	return rule, err
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
