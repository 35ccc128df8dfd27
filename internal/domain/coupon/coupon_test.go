package coupon

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func nullDec(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(v))
}

func TestRule_Descriptor(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name        string
		rule        Rule
		want        Benefit
		wantErrText string
	}{
		{
			name: "percentage",
			rule: Rule{Kind: KindPercentage, Percentage: nullDec("20")},
			want: Percentage{Percent: d("20")},
		},
		{
			name: "fixed amount",
			rule: Rule{Kind: KindFixedAmount, FixedAmount: nullDec("9.50")},
			want: FixedAmount{Amount: d("9.50")},
		},
		{
			name: "tier percentage",
			rule: Rule{Kind: KindTierPercentage, Percentage: nullDec("25"), DurationMonths: intPtr(3), Tier: "pro"},
			want: TierPercentage{Percent: d("25"), DurationMonths: 3, Tier: "pro"},
		},
		{
			name: "duration bonus",
			rule: Rule{Kind: KindDurationBonus, BonusMonths: intPtr(2)},
			want: DurationBonus{BonusMonths: 2},
		},
		{
			name: "full buyout ignores stray parameters",
			rule: Rule{Kind: KindFullBuyout, Percentage: nullDec("50")},
			want: FullBuyout{},
		},
		{
			name:        "unknown kind",
			rule:        Rule{Kind: Kind("bogus")},
			wantErrText: "unsupported discount kind",
		},
		{
			name:        "percentage above 100",
			rule:        Rule{Kind: KindPercentage, Percentage: nullDec("101")},
			wantErrText: "outside [0, 100]",
		},
		{
			name:        "negative fixed amount",
			rule:        Rule{Kind: KindFixedAmount, FixedAmount: nullDec("-1")},
			wantErrText: "negative",
		},
		{
			name:        "missing percentage",
			rule:        Rule{Kind: KindPercentage},
			wantErrText: "without percentage",
		},
		{
			name:        "tier duration below one month",
			rule:        Rule{Kind: KindTierPercentage, Percentage: nullDec("10"), DurationMonths: intPtr(0)},
			wantErrText: "at least 1",
		},
		{
			name:        "missing bonus months",
			rule:        Rule{Kind: KindDurationBonus},
			wantErrText: "without bonus months",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			rule.ID = id
			rule.Code = "CODE"
			rule.MaxPerUser = 1

			got, err := rule.Descriptor()
			if tt.wantErrText != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrText)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, id, got.CouponID)
			assert.Equal(t, "CODE", got.Code)
			assert.Equal(t, 1, got.MaxPerUser)
			assert.Equal(t, tt.want, got.Benefit)
			assert.Equal(t, tt.want.Kind(), got.Kind())
		})
	}
}

func TestDescriptor_TouchesSubscription(t *testing.T) {
	assert.False(t, descriptor(Percentage{}).TouchesSubscription())
	assert.False(t, descriptor(FixedAmount{}).TouchesSubscription())
	assert.True(t, descriptor(TierPercentage{}).TouchesSubscription())
	assert.True(t, descriptor(DurationBonus{}).TouchesSubscription())
	assert.False(t, descriptor(FullBuyout{}).TouchesSubscription())
}
