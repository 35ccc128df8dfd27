package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

func TestDemoCoupons(t *testing.T) {
	kinds := make(map[coupon.Kind]bool)
	for _, rule := range demoCoupons() {
		d, err := rule.Descriptor()
		require.NoError(t, err, rule.Code)
		kinds[d.Kind()] = true
	}

	assert.Len(t, kinds, 5, "every discount kind has a demo coupon")
}
