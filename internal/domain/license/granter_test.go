package license

import (
	"context"
	"regexp"
	"testing"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/coupon-engine/internal/domain/billing"
	"github.com/xenking/coupon-engine/internal/domain/billing/billingtest"
)

var keyPattern = regexp.MustCompile(`^[A-Z2-7]{5}-[A-Z2-7]{5}-[A-Z2-7]{5}-[A-Z2-7]{5}$`)

func grant(t *testing.T, store *billingtest.Store, g *Granter, user, coupon uuid.UUID) (*billing.License, error) {
	t.Helper()
	var out *billing.License
	err := store.Within(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		l, err := g.GrantZeroCostLicense(ctx, tx, user, coupon)
		out = l
		return err
	})
	return out, err
}

func TestGranter_Grant(t *testing.T) {
	store := billingtest.NewStore()
	g := NewGranter("2025.1")
	user, coupon := uuid.New(), uuid.New()

	l, err := grant(t, store, g, user, coupon)
	require.NoError(t, err)

	assert.Equal(t, user, l.UserID)
	assert.Equal(t, coupon, l.CouponID)
	assert.Equal(t, "2025.1", l.Version)
	assert.True(t, l.PurchasePrice.IsZero())
	assert.Regexp(t, keyPattern, l.LicenseKey)
	assert.Len(t, store.Licenses(), 1)
}

func TestGranter_Idempotent(t *testing.T) {
	store := billingtest.NewStore()
	g := NewGranter("2025.1")
	user, coupon := uuid.New(), uuid.New()

	first, err := grant(t, store, g, user, coupon)
	require.NoError(t, err)
	second, err := grant(t, store, g, user, coupon)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.LicenseKey, second.LicenseKey)
	assert.Len(t, store.Licenses(), 1)
}

func TestGranter_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Granter, *billingtest.Store)
		want  error
	}{
		{
			name: "key generation",
			setup: func(g *Granter, _ *billingtest.Store) {
				g.keygen = func() (string, error) { return "", errEntropy }
			},
			want: errEntropy,
		},
		{
			name: "store",
			setup: func(_ *Granter, s *billingtest.Store) {
				s.SetFaults(billingtest.Faults{LicenseCreate: errDisk})
			},
			want: errDisk,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := billingtest.NewStore()
			g := NewGranter("1")
			tt.setup(g, store)

			_, err := grant(t, store, g, uuid.New(), uuid.New())
			var ge *GrantError
			require.ErrorAs(t, err, &ge)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, store.Licenses())
		})
	}
}

var (
	errEntropy = errors.New("entropy exhausted")
	errDisk    = errors.New("disk full")
)

func TestNewKey_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		k, err := newKey()
		require.NoError(t, err)
		require.Regexp(t, keyPattern, k)
		_, dup := seen[k]
		require.False(t, dup)
		seen[k] = struct{}{}
	}
}
