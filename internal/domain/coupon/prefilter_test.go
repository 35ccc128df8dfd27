package coupon

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefilter_Reload(t *testing.T) {
	pf := NewPrefilter(1000, 0.001)
	pf.Add("STALE")

	repo := &mockCouponRepo{codes: []string{"SAVE20", "FreeForever"}}
	n, err := pf.Reload(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, pf.MayContain("SAVE20"))
	assert.True(t, pf.MayContain(" freeforever "))
	assert.False(t, pf.MayContain("STALE"))
}

func TestPrefilter_ReloadErrorKeepsFilter(t *testing.T) {
	pf := NewPrefilter(1000, 0.001)
	pf.Add("SAVE20")

	_, err := pf.Reload(context.Background(), &mockCouponRepo{listErr: errors.New("boom")})
	require.Error(t, err)
	assert.True(t, pf.MayContain("SAVE20"))
}
