package coupon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Validation failure reasons reported in Result.Errors.
const (
	ReasonNotFound             = "coupon code not found"
	ReasonNotYetValid          = "coupon is not yet valid"
	ReasonExpired              = "coupon expired"
	ReasonUsageLimitReached    = "coupon usage limit reached"
	ReasonSubscriptionRequired = "coupon requires an active subscription"
	ReasonTierMismatch         = "coupon is not valid for this subscription tier"
	ReasonMinCartTotal         = "cart total below coupon minimum"
	ReasonMalformed            = "coupon definition is not supported"
)

// CheckContext carries the checkout facts a validator needs.
type CheckContext struct {
	CartTotal        decimal.Decimal
	SubscriptionID   *uuid.UUID
	SubscriptionTier string
	IPAddress        string
	UserAgent        string
}

// Result is the validator's verdict. Discount is set only when IsValid.
type Result struct {
	IsValid  bool
	Errors   []string
	Discount *Descriptor
}

func invalid(reasons ...string) *Result {
	return &Result{Errors: reasons}
}

// Validator checks coupon eligibility and produces a Descriptor.
type Validator interface {
	Validate(ctx context.Context, code string, userID uuid.UUID, cc CheckContext) (*Result, error)
}

// RepoValidator implements Validator by looking up coupon rules from a
// Repository. An optional Prefilter rejects codes that were never issued
// without touching the repository.
type RepoValidator struct {
	repo      Repository
	prefilter *Prefilter
	now       func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
// prefilter may be nil.
func NewRepoValidator(repo Repository, prefilter *Prefilter) *RepoValidator {
	return &RepoValidator{repo: repo, prefilter: prefilter, now: time.Now}
}

// Validate looks up the coupon rule for the given code and checks its
// validity window, total usage, and the checkout's subscription and cart
// total against the rule. Business rejections are returned as an invalid
// Result; the error is reserved for lookup failures.
func (v *RepoValidator) Validate(ctx context.Context, code string, _ uuid.UUID, cc CheckContext) (*Result, error) {
	if v.prefilter != nil && !v.prefilter.MayContain(code) {
		return invalid(ReasonNotFound), nil
	}

	rule, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCoupon) {
			return invalid(ReasonNotFound), nil
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	d, err := rule.Descriptor()
	if err != nil {
		return invalid(fmt.Sprintf("%s: %s", ReasonMalformed, err)), nil
	}

	now := v.now()
	var reasons []string

	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		reasons = append(reasons, ReasonNotYetValid)
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		reasons = append(reasons, ReasonExpired)
	}
	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		reasons = append(reasons, ReasonUsageLimitReached)
	}
	if cc.CartTotal.LessThan(rule.MinCartTotal) {
		reasons = append(reasons, ReasonMinCartTotal)
	}
	if d.TouchesSubscription() && cc.SubscriptionID == nil {
		reasons = append(reasons, ReasonSubscriptionRequired)
	}
	if tp, ok := d.Benefit.(TierPercentage); ok && tp.Tier != "" && tp.Tier != cc.SubscriptionTier {
		reasons = append(reasons, ReasonTierMismatch)
	}

	if len(reasons) > 0 {
		return invalid(reasons...), nil
	}
	return &Result{IsValid: true, Discount: d}, nil
}
