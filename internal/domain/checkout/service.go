package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/billing"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
	"github.com/xenking/coupon-engine/internal/domain/redemption"
)

const instrumentationName = "github.com/xenking/coupon-engine/internal/domain/checkout"

// Outcomes reported on the coupon.apply.attempts counter.
const (
	outcomeApplied        = "applied"
	outcomeReplayed       = "replayed"
	outcomeInvalid        = "invalid"
	outcomeLimitExceeded  = "limit_exceeded"
	outcomeNoSubscription = "subscription_not_found"
	outcomeError          = "error"
)

// Service applies coupons to checkout attempts.
type Service struct {
	validator  coupon.Validator
	store      billing.Store
	applicator *Applicator
	recorder   *redemption.Recorder

	timeout        time.Duration
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	tracer   trace.Tracer
	attempts metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds each ApplyCoupon call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// NewService creates a checkout Service.
func NewService(
	validator coupon.Validator,
	store billing.Store,
	applicator *Applicator,
	recorder *redemption.Recorder,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		validator:      validator,
		store:          store,
		applicator:     applicator,
		recorder:       recorder,
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tracer = s.tracerProvider.Tracer(instrumentationName)
	attempts, err := s.meterProvider.Meter(instrumentationName).Int64Counter("coupon.apply.attempts",
		metric.WithDescription("Coupon application attempts by discount kind and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create attempts counter")
	}
	s.attempts = attempts
	return s, nil
}

// ApplyCoupon validates code for cart and, when valid, applies its benefit
// and records the redemption in one transaction. The input cart is never
// modified; on success the updated copy is returned.
//
// Errors are *ValidationFailedError, billing.ErrSubscriptionNotFound,
// billing.ErrRedemptionLimitExceeded or *ApplicationError.
func (s *Service) ApplyCoupon(ctx context.Context, cart Cart, code string) (_ *Cart, rerr error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "checkout.ApplyCoupon",
		trace.WithAttributes(attribute.String("coupon.code", strings.TrimSpace(code))),
	)
	defer span.End()

	kind := coupon.Kind("")
	outcome := outcomeApplied
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		s.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("outcome", outcome),
		))
	}()

	if cart.Applied != nil {
		outcome = outcomeInvalid
		return nil, &ValidationFailedError{Reasons: []string{ReasonAlreadyApplied}}
	}

	code = strings.TrimSpace(code)
	res, err := s.validator.Validate(ctx, code, cart.UserID, cart.checkContext())
	if err != nil {
		outcome = outcomeError
		return nil, s.applicationError(ctx, "validate", code, err)
	}
	if !res.IsValid || res.Discount == nil {
		outcome = outcomeInvalid
		return nil, &ValidationFailedError{Reasons: res.Errors}
	}
	d := res.Discount
	kind = d.Kind()
	span.SetAttributes(attribute.String("coupon.kind", string(kind)))

	var out *Cart
	err = s.store.Within(ctx, func(ctx context.Context, tx billing.Tx) error {
		prior, err := s.recorder.Lookup(ctx, tx, d, cart.UserID, cart.AttemptID)
		switch {
		case err == nil:
			out = replayed(cart, d, prior)
			return nil
		case !errors.Is(err, billing.ErrRedemptionNotFound):
			return err
		}

		next := cart.clone()
		effect, err := s.applicator.Apply(ctx, tx, d, next)
		if err != nil {
			return err
		}

		attempt := redemption.Attempt{
			UserID:         cart.UserID,
			Nonce:          cart.AttemptID,
			SubscriptionID: cart.SubscriptionID,
			OriginalAmount: cart.CurrentTotal,
			FinalAmount:    next.CurrentTotal,
			IPAddress:      cart.IPAddress,
			UserAgent:      cart.UserAgent,
			RequestID:      cart.RequestID,
		}
		if effect.License != nil {
			attempt.LicenseID = &effect.License.ID
		}
		red, err := s.recorder.Record(ctx, tx, d, attempt)
		if err != nil {
			return err
		}

		next.Applied = summarize(d, cart.CurrentTotal, next.CurrentTotal, red, effect)
		out = next
		return nil
	})
	if errors.Is(err, billing.ErrAttemptRecorded) {
		// Another transaction recorded this attempt after our lookup. What we
		// applied is rolled back; serve the recorded outcome instead.
		out, err = s.replay(ctx, cart, d)
	}
	if err != nil {
		var vfErr *ValidationFailedError
		switch {
		case errors.As(err, &vfErr):
			outcome = outcomeInvalid
			return nil, err
		case errors.Is(err, billing.ErrRedemptionLimitExceeded):
			outcome = outcomeLimitExceeded
			return nil, err
		case errors.Is(err, billing.ErrSubscriptionNotFound):
			outcome = outcomeNoSubscription
			return nil, err
		default:
			outcome = outcomeError
			return nil, s.applicationError(ctx, "apply", code, err)
		}
	}

	if out.Applied.Replayed {
		outcome = outcomeReplayed
	}
	zctx.From(ctx).Info("Coupon applied",
		zap.String("code", d.Code),
		zap.String("kind", string(kind)),
		zap.Stringer("user_id", cart.UserID),
		zap.String("attempt_id", cart.AttemptID),
		zap.Bool("replayed", out.Applied.Replayed),
		zap.Stringer("total", out.CurrentTotal),
	)
	return out, nil
}

// replay reads the redemption recorded for the cart's attempt in a fresh
// transaction.
func (s *Service) replay(ctx context.Context, cart Cart, d *coupon.Descriptor) (*Cart, error) {
	var out *Cart
	err := s.store.Within(ctx, func(ctx context.Context, tx billing.Tx) error {
		prior, err := s.recorder.Lookup(ctx, tx, d, cart.UserID, cart.AttemptID)
		if err != nil {
			return err
		}
		out = replayed(cart, d, prior)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Quote previews the effect of code on cart without persisting anything.
func (s *Service) Quote(ctx context.Context, cart Cart, code string) (*Quote, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Quote")
	defer span.End()

	if cart.Applied != nil {
		return nil, &ValidationFailedError{Reasons: []string{ReasonAlreadyApplied}}
	}

	code = strings.TrimSpace(code)
	res, err := s.validator.Validate(ctx, code, cart.UserID, cart.checkContext())
	if err != nil {
		return nil, s.applicationError(ctx, "validate", code, err)
	}
	if !res.IsValid || res.Discount == nil {
		return nil, &ValidationFailedError{Reasons: res.Errors}
	}

	final := cart.CurrentTotal
	switch res.Discount.Benefit.(type) {
	case coupon.Percentage, coupon.FixedAmount, coupon.FullBuyout:
		final, err = coupon.FinalPrice(cart.CurrentTotal, res.Discount)
		if err != nil {
			return nil, s.applicationError(ctx, "price", code, err)
		}
	}
	return &Quote{
		Code:          res.Discount.Code,
		Kind:          res.Discount.Kind(),
		OriginalTotal: cart.CurrentTotal,
		FinalTotal:    final,
		Discount:      cart.CurrentTotal.Sub(final),
	}, nil
}

func (s *Service) applicationError(ctx context.Context, op, code string, err error) error {
	zctx.From(ctx).Error("Coupon application failed",
		zap.String("op", op),
		zap.String("code", code),
		zap.Error(err),
	)
	return &ApplicationError{Op: op, Err: err}
}

func summarize(d *coupon.Descriptor, before, after decimal.Decimal, red *billing.Redemption, effect *Effect) *AppliedDiscount {
	applied := &AppliedDiscount{
		CouponID:     d.CouponID,
		Code:         d.Code,
		Kind:         d.Kind(),
		RedemptionID: red.ID,
		Amount:       before.Sub(after),
		LicenseID:    red.LicenseID,
	}
	if effect.Subscription != nil {
		price := effect.Subscription.BasePrice
		end := effect.Subscription.CurrentPeriodEnd
		applied.SubscriptionPrice = &price
		applied.PeriodEnd = &end
	}
	if effect.Adjustment != nil {
		expires := effect.Adjustment.ExpiresAt
		applied.PriceExpiresAt = &expires
	}
	if effect.Credit != nil {
		applied.CreditsGranted = effect.Credit.Amount
	}
	if effect.License != nil {
		applied.LicenseKey = effect.License.LicenseKey
	}
	return applied
}

// replayed rebuilds the outcome of an attempt that was already recorded.
func replayed(cart Cart, d *coupon.Descriptor, red *billing.Redemption) *Cart {
	out := cart.clone()
	out.CurrentTotal = red.FinalAmount
	out.Applied = &AppliedDiscount{
		CouponID:     d.CouponID,
		Code:         red.Code,
		Kind:         red.Kind,
		RedemptionID: red.ID,
		Amount:       red.OriginalAmount.Sub(red.FinalAmount),
		LicenseID:    red.LicenseID,
		Replayed:     true,
	}
	return out
}
