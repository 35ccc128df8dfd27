package checkout

import (
	"fmt"
	"strings"
)

const (
	// ReasonAlreadyApplied is reported when a cart already carries a discount.
	ReasonAlreadyApplied = "coupon already applied"
	// ReasonTierDiscountActive is reported when the subscription still has a
	// tier discount that has not been reverted. Discounts do not compound.
	ReasonTierDiscountActive = "subscription already has an active tier discount"
)

// ValidationFailedError is a user-correctable rejection carrying the
// validator's reasons verbatim.
type ValidationFailedError struct {
	Reasons []string
}

func (e *ValidationFailedError) Error() string {
	return "coupon validation failed: " + strings.Join(e.Reasons, "; ")
}

// ApplicationError is an unexpected failure while applying or recording a
// coupon. Nothing from the attempt was persisted.
type ApplicationError struct {
	Op  string
	Err error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("apply coupon: %s: %v", e.Op, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }
