package coupon

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func descriptor(b Benefit) *Descriptor {
	return &Descriptor{Code: "TEST", Benefit: b}
}

func TestFinalPrice(t *testing.T) {
	tests := []struct {
		name     string
		original decimal.Decimal
		benefit  Benefit
		want     decimal.Decimal
	}{
		{
			name:     "percentage 20% off 100",
			original: d("100.00"),
			benefit:  Percentage{Percent: d("20")},
			want:     d("80.00"),
		},
		{
			name:     "percentage 0% keeps price",
			original: d("42.50"),
			benefit:  Percentage{Percent: d("0")},
			want:     d("42.50"),
		},
		{
			name:     "percentage 100% is free",
			original: d("42.50"),
			benefit:  Percentage{Percent: d("100")},
			want:     d("0"),
		},
		{
			name:     "percentage rounds to cents",
			original: d("9.99"),
			benefit:  Percentage{Percent: d("15")},
			// 9.99 * 0.85 = 8.4915
			want: d("8.49"),
		},
		{
			name:     "fixed amount below total",
			original: d("50.00"),
			benefit:  FixedAmount{Amount: d("9")},
			want:     d("41.00"),
		},
		{
			name:     "fixed amount above total floors at zero",
			original: d("50.00"),
			benefit:  FixedAmount{Amount: d("200")},
			want:     d("0"),
		},
		{
			name:     "tier percentage discounts the price",
			original: d("30.00"),
			benefit:  TierPercentage{Percent: d("50"), DurationMonths: 3},
			want:     d("15.00"),
		},
		{
			name:     "duration bonus leaves price unchanged",
			original: d("19.99"),
			benefit:  DurationBonus{BonusMonths: 2},
			want:     d("19.99"),
		},
		{
			name:     "full buyout is free",
			original: d("50.00"),
			benefit:  FullBuyout{},
			want:     d("0"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FinalPrice(tt.original, descriptor(tt.benefit))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "expected %s, got %s", tt.want, got)
		})
	}
}

func TestFinalPrice_PercentageProperty(t *testing.T) {
	totals := []string{"0", "0.01", "1", "9.99", "100", "123.45", "99999.99"}
	for p := 0; p <= 100; p += 5 {
		percent := decimal.NewFromInt(int64(p))
		for _, total := range totals {
			tot := d(total)
			got, err := FinalPrice(tot, descriptor(Percentage{Percent: percent}))
			require.NoError(t, err)

			want := tot.Mul(hundred.Sub(percent).Div(hundred)).Round(2)
			assert.True(t, want.Equal(got), "p=%d total=%s: expected %s, got %s", p, total, want, got)
			assert.False(t, got.IsNegative())
		}
	}
}

func TestFinalPrice_FixedAmountProperty(t *testing.T) {
	for _, total := range []string{"0", "5", "10", "10.01", "250"} {
		for _, amount := range []string{"0", "5", "10", "10.02", "1000"} {
			tot, amt := d(total), d(amount)
			got, err := FinalPrice(tot, descriptor(FixedAmount{Amount: amt}))
			require.NoError(t, err)

			want := decimal.Max(decimal.Zero, tot.Sub(amt))
			assert.True(t, want.Equal(got), "total=%s amount=%s: expected %s, got %s", total, amount, want, got)
		}
	}
}

func TestFinalPrice_NilBenefit(t *testing.T) {
	_, err := FinalPrice(d("10"), &Descriptor{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported discount kind")
}
