package main

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

type fakeCouponStore struct {
	existing []string
	copied   []string
	upserted []string
	copyErr  error
}

func (s *fakeCouponStore) ListAllCodes(context.Context) ([]string, error) {
	return s.existing, nil
}

func (s *fakeCouponStore) CopyNew(_ context.Context, rules []coupon.Rule) (int64, error) {
	if s.copyErr != nil {
		return 0, s.copyErr
	}
	for _, r := range rules {
		s.copied = append(s.copied, r.Code)
	}
	return int64(len(rules)), nil
}

func (s *fakeCouponStore) Upsert(_ context.Context, rule *coupon.Rule) error {
	s.upserted = append(s.upserted, rule.Code)
	return nil
}

func rulesFor(codes ...string) []coupon.Rule {
	out := make([]coupon.Rule, len(codes))
	for i, c := range codes {
		out[i] = coupon.Rule{ID: uuid.New(), Code: c, Kind: coupon.KindFullBuyout}
	}
	return out
}

func TestWriteCoupons(t *testing.T) {
	store := &fakeCouponStore{existing: []string{"save20", "OLD"}}

	err := writeCoupons(context.Background(), store, rulesFor("SAVE20", "NEW1", "NEW2"))
	require.NoError(t, err)

	// Existing codes never reach COPY; bloom false positives may route a new
	// code through upsert, which is still correct.
	assert.Contains(t, store.upserted, "SAVE20")
	assert.NotContains(t, store.copied, "SAVE20")
	assert.ElementsMatch(t, []string{"SAVE20", "NEW1", "NEW2"}, append(store.copied, store.upserted...))
}

func TestWriteCoupons_EmptyTable(t *testing.T) {
	store := &fakeCouponStore{}

	require.NoError(t, writeCoupons(context.Background(), store, rulesFor("A", "B")))
	assert.Equal(t, []string{"A", "B"}, store.copied)
	assert.Empty(t, store.upserted)
}

func TestWriteCoupons_CopyError(t *testing.T) {
	store := &fakeCouponStore{copyErr: errors.New("conn reset")}

	err := writeCoupons(context.Background(), store, rulesFor("A"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy coupons 0-1")
}

func TestRun_DryRun(t *testing.T) {
	dir := t.TempDir()
	writeGzip(t, dir, "a.csv.gz", "code,kind\nA,full_buyout\nB,bogus\n")

	err := run(context.Background(), options{dataDir: dir, pattern: "*.csv.gz", dryRun: true}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 rows rejected")

	err = run(context.Background(), options{dataDir: dir, pattern: "*.csv.gz", dryRun: true, skipInvalid: true}, nil)
	require.NoError(t, err)

	err = run(context.Background(), options{dataDir: dir, pattern: "*.none", dryRun: true}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no batch files")
}
