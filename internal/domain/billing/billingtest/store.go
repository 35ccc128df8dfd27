// Package billingtest provides an in-memory billing.Store for tests.
//
// Transactions are fully serialized: Within holds a store-wide lock while fn
// runs against a private copy of the state, which replaces the committed
// state only when fn succeeds.
package billingtest

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/coupon-engine/internal/domain/billing"
)

var _ billing.Store = (*Store)(nil)

// Faults injects errors into specific repository calls.
type Faults struct {
	RedemptionCreate error
	LockUsage        error
	CreditCreate     error
	LicenseCreate    error
	SubscriptionSave error
}

type usageKey struct {
	couponID uuid.UUID
	userID   uuid.UUID
}

type state struct {
	subscriptions map[uuid.UUID]billing.Subscription
	usage         map[usageKey]int
	redemptions   []billing.Redemption
	credits       []billing.CreditAllocation
	adjustments   []billing.PriceAdjustment
	licenses      []billing.License
}

func (s *state) clone() *state {
	return &state{
		subscriptions: maps.Clone(s.subscriptions),
		usage:         maps.Clone(s.usage),
		redemptions:   slices.Clone(s.redemptions),
		credits:       slices.Clone(s.credits),
		adjustments:   slices.Clone(s.adjustments),
		licenses:      slices.Clone(s.licenses),
	}
}

// Store is an in-memory billing.Store.
type Store struct {
	mu      sync.Mutex
	st      *state
	faults  Faults
	commits int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{st: &state{
		subscriptions: make(map[uuid.UUID]billing.Subscription),
		usage:         make(map[usageKey]int),
	}}
}

// SetFaults replaces the injected faults.
func (s *Store) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Within implements billing.Store.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(ctx, &tx{st: work, faults: s.faults}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	s.commits++
	return nil
}

// PutSubscription stores sub outside of any transaction.
func (s *Store) PutSubscription(sub billing.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.subscriptions[sub.ID] = sub
}

// PutAdjustment stores a price adjustment outside of any transaction.
func (s *Store) PutAdjustment(a billing.PriceAdjustment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.adjustments = append(s.st.adjustments, a)
}

// Subscription returns the committed subscription with the given id.
func (s *Store) Subscription(id uuid.UUID) (billing.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.st.subscriptions[id]
	return sub, ok
}

// Redemptions returns the committed redemptions.
func (s *Store) Redemptions() []billing.Redemption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.redemptions)
}

// Credits returns the committed credit allocations.
func (s *Store) Credits() []billing.CreditAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.credits)
}

// Adjustments returns the committed price adjustments.
func (s *Store) Adjustments() []billing.PriceAdjustment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.adjustments)
}

// Licenses returns the committed licenses.
func (s *Store) Licenses() []billing.License {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.licenses)
}

// Commits returns the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

type tx struct {
	st     *state
	faults Faults
}

func (t *tx) Subscriptions() billing.SubscriptionRepository { return subscriptions{t} }
func (t *tx) Redemptions() billing.RedemptionRepository     { return redemptions{t} }
func (t *tx) Credits() billing.CreditRepository             { return credits{t} }
func (t *tx) Adjustments() billing.AdjustmentRepository     { return adjustments{t} }
func (t *tx) Licenses() billing.LicenseRepository           { return licenses{t} }

type subscriptions struct{ *tx }

func (r subscriptions) GetForUpdate(_ context.Context, id uuid.UUID) (*billing.Subscription, error) {
	sub, ok := r.st.subscriptions[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (r subscriptions) Update(_ context.Context, s *billing.Subscription) error {
	if r.faults.SubscriptionSave != nil {
		return r.faults.SubscriptionSave
	}
	cur, ok := r.st.subscriptions[s.ID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	if cur.Version != s.Version {
		return billing.ErrStaleSubscription
	}
	s.Version++
	r.st.subscriptions[s.ID] = *s
	return nil
}

type redemptions struct{ *tx }

func (r redemptions) LockUsage(_ context.Context, couponID, userID uuid.UUID) (int, error) {
	if r.faults.LockUsage != nil {
		return 0, r.faults.LockUsage
	}
	return r.st.usage[usageKey{couponID, userID}], nil
}

func (r redemptions) LockCoupon(_ context.Context, couponID uuid.UUID) (int, error) {
	n := 0
	for _, red := range r.st.redemptions {
		if red.CouponID == couponID {
			n++
		}
	}
	return n, nil
}

func (r redemptions) IncrementUsage(_ context.Context, couponID, userID uuid.UUID, _ time.Time) error {
	r.st.usage[usageKey{couponID, userID}]++
	return nil
}

func (r redemptions) FindByAttempt(_ context.Context, key billing.AttemptKey) (*billing.Redemption, error) {
	for _, red := range r.st.redemptions {
		if red.CouponID == key.CouponID && red.UserID == key.UserID && red.AttemptNonce == key.Nonce {
			return &red, nil
		}
	}
	return nil, billing.ErrRedemptionNotFound
}

func (r redemptions) Create(_ context.Context, red *billing.Redemption) error {
	if r.faults.RedemptionCreate != nil {
		return r.faults.RedemptionCreate
	}
	if red.SubscriptionID != nil {
		if _, ok := r.st.subscriptions[*red.SubscriptionID]; !ok {
			return billing.ErrSubscriptionNotFound
		}
	}
	for _, existing := range r.st.redemptions {
		if existing.CouponID == red.CouponID && existing.UserID == red.UserID && existing.AttemptNonce == red.AttemptNonce {
			return errors.Errorf("duplicate redemption for attempt %q", red.AttemptNonce)
		}
	}
	r.st.redemptions = append(r.st.redemptions, *red)
	return nil
}

type credits struct{ *tx }

func (r credits) Create(_ context.Context, a *billing.CreditAllocation) error {
	if r.faults.CreditCreate != nil {
		return r.faults.CreditCreate
	}
	r.st.credits = append(r.st.credits, *a)
	return nil
}

type adjustments struct{ *tx }

func (r adjustments) Create(_ context.Context, a *billing.PriceAdjustment) error {
	r.st.adjustments = append(r.st.adjustments, *a)
	return nil
}

func (r adjustments) HasPending(_ context.Context, subscriptionID uuid.UUID) (bool, error) {
	for _, a := range r.st.adjustments {
		if a.SubscriptionID == subscriptionID && a.RevertedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (r adjustments) ListExpired(_ context.Context, now time.Time, limit int) ([]billing.PriceAdjustment, error) {
	var out []billing.PriceAdjustment
	for _, a := range r.st.adjustments {
		if len(out) == limit {
			break
		}
		if a.RevertedAt == nil && a.ExpiresAt.Before(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r adjustments) MarkReverted(_ context.Context, id uuid.UUID, at time.Time) error {
	for i := range r.st.adjustments {
		if r.st.adjustments[i].ID == id {
			r.st.adjustments[i].RevertedAt = &at
			return nil
		}
	}
	return errors.Errorf("price adjustment %s not found", id)
}

type licenses struct{ *tx }

func (r licenses) CreateIfAbsent(_ context.Context, l *billing.License) (*billing.License, error) {
	if r.faults.LicenseCreate != nil {
		return nil, r.faults.LicenseCreate
	}
	for _, existing := range r.st.licenses {
		if existing.UserID == l.UserID && existing.CouponID == l.CouponID {
			return &existing, nil
		}
	}
	r.st.licenses = append(r.st.licenses, *l)
	stored := *l
	return &stored, nil
}
