//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/coupon-engine/internal/domain/auth"
	"github.com/xenking/coupon-engine/internal/domain/billing"
	"github.com/xenking/coupon-engine/internal/domain/checkout"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
	"github.com/xenking/coupon-engine/internal/domain/expiry"
	"github.com/xenking/coupon-engine/internal/domain/license"
	"github.com/xenking/coupon-engine/internal/domain/redemption"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "coupon",
				"POSTGRES_PASSWORD": "coupon",
				"POSTGRES_DB":       "coupon",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = pg.Terminate(context.Background()) }()

	endpoint, err := pg.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres endpoint: %v\n", err)
		return 1
	}

	testPool, err = NewPool(ctx, fmt.Sprintf("postgres://coupon:coupon@%s/coupon?sslmode=disable", endpoint))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	return m.Run()
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func insertCoupon(t *testing.T, rule coupon.Rule) coupon.Rule {
	t.Helper()
	rule.ID = uuid.New()
	rule.Code = rule.Code + "-" + uuid.NewString()[:8]
	require.NoError(t, NewCouponRepository(testPool).Upsert(context.Background(), &rule))
	return rule
}

func insertSubscription(t *testing.T, user uuid.UUID, price string, end time.Time, credits int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := NewStore(testPool).PutSubscription(context.Background(), billing.Subscription{
		ID:               id,
		UserID:           user,
		Tier:             "pro",
		BasePrice:        d(price),
		CurrentPeriodEnd: end,
		MonthlyCredits:   credits,
	})
	require.NoError(t, err)
	return id
}

func newService(t *testing.T) *checkout.Service {
	t.Helper()
	validator := coupon.NewRepoValidator(NewCouponRepository(testPool), nil)
	svc, err := checkout.NewService(validator, NewStore(testPool),
		checkout.NewApplicator(license.NewGranter("it")), redemption.NewRecorder())
	require.NoError(t, err)
	return svc
}

func cart(total string) checkout.Cart {
	return checkout.Cart{
		AttemptID:     uuid.NewString(),
		UserID:        uuid.New(),
		OriginalTotal: d(total),
		CurrentTotal:  d(total),
		IPAddress:     "198.51.100.1",
		UserAgent:     "integration",
	}
}

func TestCouponRepository_FindByCode(t *testing.T) {
	pct := 20
	rule := insertCoupon(t, coupon.Rule{
		Code:           "tier",
		Kind:           coupon.KindTierPercentage,
		Percentage:     decimal.NewNullDecimal(d("20")),
		DurationMonths: &pct,
		Tier:           "pro",
		MaxPerUser:     1,
	})

	got, err := NewCouponRepository(testPool).FindByCode(context.Background(), rule.Code)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)
	assert.Equal(t, coupon.KindTierPercentage, got.Kind)
	require.NotNil(t, got.DurationMonths)
	assert.Equal(t, 20, *got.DurationMonths)
	assert.Nil(t, got.BonusMonths)
	assert.False(t, got.FixedAmount.Valid)

	_, err = NewCouponRepository(testPool).FindByCode(context.Background(), "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, coupon.ErrInvalidCoupon)
}

func TestStore_ApplyPercentage(t *testing.T) {
	rule := insertCoupon(t, coupon.Rule{
		Code: "SAVE20", Kind: coupon.KindPercentage, Percentage: decimal.NewNullDecimal(d("20")), MaxPerUser: 1,
	})
	svc := newService(t)
	c := cart("100.00")

	got, err := svc.ApplyCoupon(context.Background(), c, rule.Code)
	require.NoError(t, err)
	assert.True(t, got.CurrentTotal.Equal(d("80.00")))

	var original decimal.Decimal
	err = testPool.QueryRow(context.Background(),
		`SELECT original_amount FROM coupon_redemptions WHERE coupon_id = $1`, rule.ID).Scan(&original)
	require.NoError(t, err)
	assert.True(t, original.Equal(d("100.00")))

	again := c
	again.AttemptID = uuid.NewString()
	_, err = svc.ApplyCoupon(context.Background(), again, rule.Code)
	require.ErrorIs(t, err, billing.ErrRedemptionLimitExceeded)

	replay, err := svc.ApplyCoupon(context.Background(), c, rule.Code)
	require.NoError(t, err)
	assert.True(t, replay.Applied.Replayed)
	assert.Equal(t, got.Applied.RedemptionID, replay.Applied.RedemptionID)
}

func TestStore_ConcurrentSingleUse(t *testing.T) {
	rule := insertCoupon(t, coupon.Rule{
		Code: "ONCE", Kind: coupon.KindFixedAmount, FixedAmount: decimal.NewNullDecimal(d("5")), MaxPerUser: 1,
	})
	svc := newService(t)
	base := cart("20.00")

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := base
			c.AttemptID = uuid.NewString()
			_, errs[i] = svc.ApplyCoupon(context.Background(), c, rule.Code)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, billing.ErrRedemptionLimitExceeded)
	}
	assert.Equal(t, 1, ok)
}

func TestStore_ConcurrentTotalCap(t *testing.T) {
	rule := insertCoupon(t, coupon.Rule{
		Code: "FIRST3", Kind: coupon.KindFixedAmount, FixedAmount: decimal.NewNullDecimal(d("5")),
		MaxPerUser: 1, MaxUses: 3,
	})
	svc := newService(t)

	const workers = 10
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.ApplyCoupon(context.Background(), cart("20.00"), rule.Code)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		// Late attempts may already be rejected by the validator.
		var vfErr *checkout.ValidationFailedError
		if !errors.As(err, &vfErr) {
			require.ErrorIs(t, err, billing.ErrRedemptionLimitExceeded)
		}
	}
	assert.Equal(t, 3, ok)

	var stored int
	require.NoError(t, testPool.QueryRow(context.Background(),
		`SELECT count(*) FROM coupon_redemptions WHERE coupon_id = $1`, rule.ID).Scan(&stored))
	assert.Equal(t, 3, stored)
}

func TestStore_ConcurrentSameAttempt(t *testing.T) {
	months := 2
	rule := insertCoupon(t, coupon.Rule{
		Code: "BONUS", Kind: coupon.KindDurationBonus, BonusMonths: &months, MaxPerUser: 1,
	})
	svc := newService(t)
	c := cart("40.00")
	end := time.Date(2031, time.March, 15, 0, 0, 0, 0, time.UTC)
	subID := insertSubscription(t, c.UserID, "40.00", end, 10)
	c.SubscriptionID = &subID

	const workers = 6
	results := make([]*checkout.Cart, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.ApplyCoupon(context.Background(), c, rule.Code)
		}()
	}
	wg.Wait()

	replays := 0
	for i := range workers {
		require.NoError(t, errs[i])
		if results[i].Applied.Replayed {
			replays++
		}
	}
	assert.Equal(t, workers-1, replays)

	var periodEnd time.Time
	require.NoError(t, testPool.QueryRow(context.Background(),
		`SELECT current_period_end FROM subscriptions WHERE id = $1`, subID).Scan(&periodEnd))
	assert.True(t, periodEnd.Equal(billing.AddMonthsClamped(end, 2)), "period end %s", periodEnd)

	var credits int
	require.NoError(t, testPool.QueryRow(context.Background(),
		`SELECT count(*) FROM credit_allocations WHERE redemption_nonce = $1`, c.AttemptID).Scan(&credits))
	assert.Equal(t, 1, credits)
}

func TestStore_FullBuyoutLicenseIsReused(t *testing.T) {
	rule := insertCoupon(t, coupon.Rule{Code: "FREEFOREVER", Kind: coupon.KindFullBuyout})
	svc := newService(t)
	c := cart("50.00")

	first, err := svc.ApplyCoupon(context.Background(), c, rule.Code)
	require.NoError(t, err)
	assert.True(t, first.CurrentTotal.IsZero())

	second := c
	second.AttemptID = uuid.NewString()
	again, err := svc.ApplyCoupon(context.Background(), second, rule.Code)
	require.NoError(t, err)
	assert.Equal(t, *first.Applied.LicenseID, *again.Applied.LicenseID)

	var n int
	err = testPool.QueryRow(context.Background(),
		`SELECT count(*) FROM licenses WHERE user_id = $1 AND purchase_price = 0`, c.UserID).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_TierDiscountExpires(t *testing.T) {
	months := 1
	rule := insertCoupon(t, coupon.Rule{
		Code: "PRO25", Kind: coupon.KindTierPercentage, Percentage: decimal.NewNullDecimal(d("25")),
		DurationMonths: &months, MaxPerUser: 1,
	})
	svc := newService(t)
	c := cart("40.00")
	subID := insertSubscription(t, c.UserID, "40.00", time.Now().AddDate(0, 0, 5), 0)
	c.SubscriptionID = &subID
	c.SubscriptionTier = "pro"

	_, err := svc.ApplyCoupon(context.Background(), c, rule.Code)
	require.NoError(t, err)

	price := func() decimal.Decimal {
		var p decimal.Decimal
		require.NoError(t, testPool.QueryRow(context.Background(),
			`SELECT base_price FROM subscriptions WHERE id = $1`, subID).Scan(&p))
		return p
	}
	assert.True(t, price().Equal(d("30.00")))

	_, err = testPool.Exec(context.Background(),
		`UPDATE price_adjustments SET expires_at = now() - interval '1 minute' WHERE subscription_id = $1`, subID)
	require.NoError(t, err)

	n, err := expiry.NewSweeper(NewStore(testPool), 10).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	assert.True(t, price().Equal(d("40.00")))
}

func TestStore_TierDiscountsDoNotStack(t *testing.T) {
	months := 1
	svc := newService(t)
	c := cart("100.00")
	subID := insertSubscription(t, c.UserID, "100.00", time.Now().AddDate(0, 0, 5), 0)
	c.SubscriptionID = &subID
	c.SubscriptionTier = "pro"

	for i, code := range []string{"TIER20A", "TIER20B"} {
		rule := insertCoupon(t, coupon.Rule{
			Code: code, Kind: coupon.KindTierPercentage, Percentage: decimal.NewNullDecimal(d("20")),
			DurationMonths: &months, MaxPerUser: 1,
		})
		attempt := c
		attempt.AttemptID = uuid.NewString()
		_, err := svc.ApplyCoupon(context.Background(), attempt, rule.Code)
		if i == 0 {
			require.NoError(t, err)
			continue
		}
		var vfErr *checkout.ValidationFailedError
		require.ErrorAs(t, err, &vfErr)
		assert.Contains(t, vfErr.Reasons, checkout.ReasonTierDiscountActive)
	}

	var price decimal.Decimal
	require.NoError(t, testPool.QueryRow(context.Background(),
		`SELECT base_price FROM subscriptions WHERE id = $1`, subID).Scan(&price))
	assert.True(t, price.Equal(d("80.00")), "price %s", price)
}

func TestStore_RollbackOnFailure(t *testing.T) {
	user := uuid.New()
	subID := insertSubscription(t, user, "10.00", time.Now(), 0)
	store := NewStore(testPool)

	errBoom := fmt.Errorf("boom")
	err := store.Within(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		sub, err := tx.Subscriptions().GetForUpdate(ctx, subID)
		require.NoError(t, err)
		sub.BasePrice = d("1.00")
		require.NoError(t, tx.Subscriptions().Update(ctx, sub))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	var p decimal.Decimal
	require.NoError(t, testPool.QueryRow(context.Background(),
		`SELECT base_price FROM subscriptions WHERE id = $1`, subID).Scan(&p))
	assert.True(t, p.Equal(d("10.00")))
}

func TestAPIKeyRepository(t *testing.T) {
	repo := NewAPIKeyRepository(testPool)
	hash := uuid.NewString()
	require.NoError(t, repo.Upsert(context.Background(), &auth.APIKeyInfo{
		ID: "it-" + hash[:8], KeyHash: hash, Name: "integration", Scopes: []string{"checkout"},
	}))

	info, err := repo.FindByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "integration", info.Name)
	assert.Equal(t, []string{"checkout"}, info.Scopes)

	_, err = repo.FindByHash(context.Background(), "missing")
	assert.Error(t, err)
}

func TestCouponRepository_CopyNewAndListCodes(t *testing.T) {
	repo := NewCouponRepository(testPool)
	suffix := uuid.NewString()[:8]
	rules := []coupon.Rule{
		{ID: uuid.New(), Code: "BULK-A-" + suffix, Kind: coupon.KindPercentage, Percentage: decimal.NewNullDecimal(d("5")), MaxPerUser: 1},
		{ID: uuid.New(), Code: "BULK-B-" + suffix, Kind: coupon.KindDurationBonus, BonusMonths: intPtr(ptr32(2)), MaxPerUser: 1},
	}

	n, err := repo.CopyNew(context.Background(), rules)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	codes, err := repo.ListAllCodes(context.Background())
	require.NoError(t, err)
	assert.Contains(t, codes, rules[0].Code)
	assert.Contains(t, codes, rules[1].Code)

	got, err := repo.FindByCode(context.Background(), rules[1].Code)
	require.NoError(t, err)
	require.NotNil(t, got.BonusMonths)
	assert.Equal(t, 2, *got.BonusMonths)
}

func ptr32(v int32) *int32 { return &v }
