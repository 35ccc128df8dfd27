package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var zero = decimal.Zero

// FinalPrice returns the price left after applying the descriptor's benefit
// to original. It performs no persistence. Duration bonuses leave the price
// unchanged and full buyouts bring it to zero.
func FinalPrice(original decimal.Decimal, d *Descriptor) (decimal.Decimal, error) {
	switch b := d.Benefit.(type) {
	case Percentage:
		return applyPercent(original, b.Percent), nil
	case FixedAmount:
		return floorAtZero(original.Sub(b.Amount)).Round(2), nil
	case TierPercentage:
		return applyPercent(original, b.Percent), nil
	case DurationBonus:
		return floorAtZero(original).Round(2), nil
	case FullBuyout:
		return zero, nil
	default:
		return zero, errors.Errorf("unsupported discount kind: %T", d.Benefit)
	}
}

// applyPercent returns price * (1 - percent/100), clamped and rounded to cents.
func applyPercent(price, percent decimal.Decimal) decimal.Decimal {
	factor := hundred.Sub(percent).Div(hundred)
	return floorAtZero(price.Mul(factor)).Round(2)
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
