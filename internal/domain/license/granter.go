// Package license grants zero-cost perpetual licenses for full buyout coupons.
package license

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-engine/internal/domain/billing"
)

const (
	keyLength    = 20
	keyGroupSize = 5
)

// GrantError reports a failed license grant.
type GrantError struct {
	UserID   uuid.UUID
	CouponID uuid.UUID
	Err      error
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("grant license to user %s for coupon %s: %v", e.UserID, e.CouponID, e.Err)
}

func (e *GrantError) Unwrap() error { return e.Err }

// Granter creates licenses through the transaction's license repository.
// Granting twice for the same (user, coupon) returns the first license.
type Granter struct {
	version string
	now     func() time.Time
	keygen  func() (string, error)
}

// NewGranter creates a Granter that stamps licenses with version.
func NewGranter(version string) *Granter {
	return &Granter{version: version, now: time.Now, keygen: newKey}
}

// GrantZeroCostLicense records a license with a zero purchase price.
func (g *Granter) GrantZeroCostLicense(ctx context.Context, tx billing.Tx, userID, couponID uuid.UUID) (*billing.License, error) {
	key, err := g.keygen()
	if err != nil {
		return nil, &GrantError{UserID: userID, CouponID: couponID, Err: err}
	}

	l, err := tx.Licenses().CreateIfAbsent(ctx, &billing.License{
		ID:            uuid.New(),
		UserID:        userID,
		CouponID:      couponID,
		LicenseKey:    key,
		PurchasePrice: decimal.Zero,
		Version:       g.version,
		CreatedAt:     g.now().UTC(),
	})
	if err != nil {
		return nil, &GrantError{UserID: userID, CouponID: couponID, Err: err}
	}
	return l, nil
}

// newKey returns a random key such as "ABCDE-FGHIJ-KLMNO-PQRST".
func newKey() (string, error) {
	buf := make([]byte, keyLength*5/8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	raw := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)

	var b strings.Builder
	for i := 0; i < keyLength; i += keyGroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(raw[i : i+keyGroupSize])
	}
	return b.String(), nil
}
