// Command seed-db provisions demo coupons, a subscription and an API key.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-engine/internal/domain/auth"
	"github.com/xenking/coupon-engine/internal/domain/billing"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
	"github.com/xenking/coupon-engine/internal/handler"
	"github.com/xenking/coupon-engine/internal/repository"
)

// Fixed ids keep repeated seeding idempotent.
var (
	demoUserID         = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	demoSubscriptionID = uuid.MustParse("00000000-0000-4000-8000-000000000002")
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or COUPON_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or COUPON_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("COUPON_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or COUPON_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("COUPON_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCoupons(ctx, repository.NewCouponRepository(pool)); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedSubscription(ctx, repository.NewStore(pool), time.Now()); err != nil {
		return errors.Wrap(err, "seed subscription")
	}

	if err := seedAPIKey(ctx, repository.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func months(n int) *int { return &n }

// demoCoupons covers every discount kind.
func demoCoupons() []coupon.Rule {
	return []coupon.Rule{
		{
			Code:        "SAVE20",
			Kind:        coupon.KindPercentage,
			Percentage:  decimal.NewNullDecimal(decimal.NewFromInt(20)),
			MaxPerUser:  1,
			Description: "20% off the order",
		},
		{
			Code:         "TENOFF",
			Kind:         coupon.KindFixedAmount,
			FixedAmount:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
			MinCartTotal: decimal.NewFromInt(20),
			MaxPerUser:   1,
			Description:  "$10 off orders of $20 or more",
		},
		{
			Code:           "PRO25",
			Kind:           coupon.KindTierPercentage,
			Percentage:     decimal.NewNullDecimal(decimal.NewFromInt(25)),
			DurationMonths: months(3),
			Tier:           "pro",
			MaxPerUser:     1,
			Description:    "25% off the Pro plan for 3 months",
		},
		{
			Code:        "BONUS2",
			Kind:        coupon.KindDurationBonus,
			BonusMonths: months(2),
			MaxPerUser:  1,
			Description: "Two extra months on the current plan",
		},
		{
			Code:        "FREEFOREVER",
			Kind:        coupon.KindFullBuyout,
			Description: "Perpetual license at no cost",
		},
	}
}

func seedCoupons(ctx context.Context, repo *repository.CouponRepository) error {
	slog.Info("seeding demo coupons")

	for _, rule := range demoCoupons() {
		rule.ID = uuid.New()
		if _, err := rule.Descriptor(); err != nil {
			return errors.Wrapf(err, "demo coupon %s", rule.Code)
		}
		if err := repo.Upsert(ctx, &rule); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", rule.Code)
		}

		slog.Info("upserted coupon", slog.String("code", rule.Code), slog.String("description", rule.Description))
	}

	return nil
}

func seedSubscription(ctx context.Context, store *repository.Store, now time.Time) error {
	sub := billing.Subscription{
		ID:               demoSubscriptionID,
		UserID:           demoUserID,
		Tier:             "pro",
		BasePrice:        decimal.NewFromInt(40),
		CurrentPeriodEnd: billing.AddMonthsClamped(now.UTC(), 1),
		MonthlyCredits:   100,
	}
	if err := store.PutSubscription(ctx, sub); err != nil {
		return err
	}

	slog.Info("upserted subscription",
		slog.String("id", sub.ID.String()),
		slog.String("user_id", sub.UserID.String()),
	)
	return nil
}

func seedAPIKey(ctx context.Context, repo *repository.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	info := &auth.APIKeyInfo{
		ID:      "default",
		KeyHash: handler.HashKey([]byte(pepper), apiKey),
		Name:    "Default test key",
		Scopes:  []string{"checkout"},
	}
	if err := repo.Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", info.ID), slog.String("name", info.Name))

	return nil
}
