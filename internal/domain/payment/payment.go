// Package payment describes the payment provider boundary used after a
// coupon has been applied. Providers advertise what they support through
// Capabilities, and callers must check it before relying on a call.
package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotImplemented is returned by providers for calls they do not support.
var ErrNotImplemented = errors.New("payment provider call not implemented")

// Capabilities lists the calls a provider actually implements.
type Capabilities struct {
	CheckoutSessions bool
	Invoices         bool
}

// CheckoutSessionRequest asks the provider to collect Amount from a user.
type CheckoutSessionRequest struct {
	AttemptID  string
	UserID     uuid.UUID
	Amount     decimal.Decimal
	CouponCode string
}

// CheckoutSession is a provider-hosted payment page.
type CheckoutSession struct {
	ID  string
	URL string
}

// InvoiceRequest asks the provider to bill a subscription at Amount.
type InvoiceRequest struct {
	SubscriptionID uuid.UUID
	Amount         decimal.Decimal
}

// Provider is a payment provider.
type Provider interface {
	Capabilities() Capabilities
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	CreateInvoice(ctx context.Context, req InvoiceRequest) (string, error)
}

var _ Provider = Unimplemented{}

// Unimplemented is a Provider that supports nothing.
type Unimplemented struct{}

func (Unimplemented) Capabilities() Capabilities { return Capabilities{} }

func (Unimplemented) CreateCheckoutSession(context.Context, CheckoutSessionRequest) (*CheckoutSession, error) {
	return nil, ErrNotImplemented
}

func (Unimplemented) CreateInvoice(context.Context, InvoiceRequest) (string, error) {
	return "", ErrNotImplemented
}
