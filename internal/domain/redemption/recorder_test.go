package redemption

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/coupon-engine/internal/domain/billing"
	"github.com/xenking/coupon-engine/internal/domain/billing/billingtest"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newRecorder() *Recorder {
	r := NewRecorder()
	r.now = func() time.Time { return fixedNow }
	return r
}

func descriptor(maxPerUser int) *coupon.Descriptor {
	return &coupon.Descriptor{
		CouponID:   uuid.New(),
		Code:       "SAVE20",
		MaxPerUser: maxPerUser,
		Benefit:    coupon.Percentage{Percent: decimal.NewFromInt(20)},
	}
}

func record(t *testing.T, store *billingtest.Store, r *Recorder, d *coupon.Descriptor, a Attempt) (*billing.Redemption, error) {
	t.Helper()
	var out *billing.Redemption
	err := store.Within(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		red, err := r.Record(ctx, tx, d, a)
		out = red
		return err
	})
	return out, err
}

func TestRecorder_Record(t *testing.T) {
	store := billingtest.NewStore()
	r := newRecorder()
	d := descriptor(1)
	user := uuid.New()

	red, err := record(t, store, r, d, Attempt{
		UserID:         user,
		Nonce:          "attempt-1",
		OriginalAmount: decimal.NewFromInt(100),
		FinalAmount:    decimal.NewFromInt(80),
		IPAddress:      "10.0.0.1",
		UserAgent:      "test",
	})
	require.NoError(t, err)

	assert.Equal(t, d.CouponID, red.CouponID)
	assert.Equal(t, user, red.UserID)
	assert.Equal(t, "SAVE20", red.Code)
	assert.Equal(t, coupon.KindPercentage, red.Kind)
	assert.Equal(t, fixedNow, red.RedeemedAt)
	assert.True(t, red.FinalAmount.Equal(decimal.NewFromInt(80)))
	assert.Len(t, store.Redemptions(), 1)
}

func TestRecorder_PerUserLimit(t *testing.T) {
	tests := []struct {
		name       string
		maxPerUser int
		attempts   int
		wantOK     int
	}{
		{name: "single use", maxPerUser: 1, attempts: 3, wantOK: 1},
		{name: "two uses", maxPerUser: 2, attempts: 3, wantOK: 2},
		{name: "unlimited", maxPerUser: 0, attempts: 4, wantOK: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := billingtest.NewStore()
			r := newRecorder()
			d := descriptor(tt.maxPerUser)
			user := uuid.New()

			ok := 0
			for i := range tt.attempts {
				_, err := record(t, store, r, d, Attempt{UserID: user, Nonce: uuid.NewString()})
				if err == nil {
					ok++
					continue
				}
				require.ErrorIs(t, err, billing.ErrRedemptionLimitExceeded, "attempt %d", i)
			}
			assert.Equal(t, tt.wantOK, ok)
			assert.Len(t, store.Redemptions(), tt.wantOK)
		})
	}
}

func TestRecorder_LimitIsPerUser(t *testing.T) {
	store := billingtest.NewStore()
	r := newRecorder()
	d := descriptor(1)

	_, err := record(t, store, r, d, Attempt{UserID: uuid.New(), Nonce: "a"})
	require.NoError(t, err)
	_, err = record(t, store, r, d, Attempt{UserID: uuid.New(), Nonce: "a"})
	require.NoError(t, err)
}

func TestRecorder_SameNonceIsNotRecordedTwice(t *testing.T) {
	store := billingtest.NewStore()
	r := newRecorder()
	d := descriptor(0)
	user := uuid.New()

	_, err := record(t, store, r, d, Attempt{UserID: user, Nonce: "n"})
	require.NoError(t, err)

	_, err = record(t, store, r, d, Attempt{UserID: user, Nonce: "n"})
	require.ErrorIs(t, err, billing.ErrAttemptRecorded)
	assert.Len(t, store.Redemptions(), 1)
	assert.Equal(t, 1, store.Commits())
}

func TestRecorder_TotalCap(t *testing.T) {
	tests := []struct {
		name    string
		maxUses int
		users   int
		wantOK  int
	}{
		{name: "capped", maxUses: 2, users: 4, wantOK: 2},
		{name: "uncapped", maxUses: 0, users: 4, wantOK: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := billingtest.NewStore()
			r := newRecorder()
			d := descriptor(1)
			d.MaxUses = tt.maxUses

			ok := 0
			for i := range tt.users {
				_, err := record(t, store, r, d, Attempt{UserID: uuid.New(), Nonce: "n"})
				if err == nil {
					ok++
					continue
				}
				require.ErrorIs(t, err, billing.ErrRedemptionLimitExceeded, "user %d", i)
			}
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestRecorder_Lookup(t *testing.T) {
	store := billingtest.NewStore()
	r := newRecorder()
	d := descriptor(0)
	user := uuid.New()

	_, err := record(t, store, r, d, Attempt{UserID: user, Nonce: "n"})
	require.NoError(t, err)

	err = store.Within(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		red, err := r.Lookup(ctx, tx, d, user, "n")
		require.NoError(t, err)
		assert.Equal(t, "n", red.AttemptNonce)

		_, err = r.Lookup(ctx, tx, d, user, "other")
		assert.ErrorIs(t, err, billing.ErrRedemptionNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestRecorder_UnknownSubscription(t *testing.T) {
	store := billingtest.NewStore()
	r := newRecorder()
	sub := uuid.New()

	_, err := record(t, store, r, descriptor(1), Attempt{UserID: uuid.New(), Nonce: "n", SubscriptionID: &sub})
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	assert.Empty(t, store.Redemptions())
}

func TestRecorder_StoreFailure(t *testing.T) {
	store := billingtest.NewStore()
	store.SetFaults(billingtest.Faults{LockUsage: errors.New("connection reset")})

	_, err := record(t, store, newRecorder(), descriptor(1), Attempt{UserID: uuid.New(), Nonce: "n"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock coupon usage")
	assert.Zero(t, store.Commits())

	// Lookup takes the same lock before reading.
	err = store.Within(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		_, err := newRecorder().Lookup(ctx, tx, descriptor(1), uuid.New(), "n")
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock coupon usage")
}
