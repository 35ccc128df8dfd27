// Package handler exposes the checkout service over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/auth"
	"github.com/xenking/coupon-engine/internal/domain/billing"
	"github.com/xenking/coupon-engine/internal/domain/checkout"
	"github.com/xenking/coupon-engine/internal/domain/payment"
	"github.com/xenking/coupon-engine/pkg/httpmiddleware"
)

// Checkout is the part of checkout.Service the handler drives.
type Checkout interface {
	ApplyCoupon(ctx context.Context, cart checkout.Cart, code string) (*checkout.Cart, error)
	Quote(ctx context.Context, cart checkout.Cart, code string) (*checkout.Quote, error)
}

var _ Checkout = (*checkout.Service)(nil)

// Handler serves the checkout endpoints.
type Handler struct {
	checkout   Checkout
	payments   payment.Provider
	applyLimit *httpmiddleware.Limiter
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithApplyLimit caps apply attempts per API key and user.
func WithApplyLimit(l *httpmiddleware.Limiter) Option {
	return func(h *Handler) { h.applyLimit = l }
}

// NewHandler constructs a Handler. payments may be nil.
func NewHandler(svc Checkout, payments payment.Provider, opts ...Option) *Handler {
	if payments == nil {
		payments = payment.Unimplemented{}
	}
	h := &Handler{checkout: svc, payments: payments, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the checkout API under r. Every route requires a key with
// the checkout scope.
func (h *Handler) Routes(r chi.Router, security *SecurityHandler) {
	r.Route("/api/checkout", func(r chi.Router) {
		r.Use(security.Require(auth.ScopeCheckout))
		r.Post("/quote", h.Quote)
		r.Post("/apply", h.Apply)
	})
}

// allowApply spends one apply attempt for the caller's key and user.
func (h *Handler) allowApply(w http.ResponseWriter, r *http.Request, req *checkoutRequest) bool {
	if h.applyLimit == nil {
		return true
	}
	var keyID string
	if k := auth.KeyFrom(r.Context()); k != nil {
		keyID = k.ID
	}
	d := h.applyLimit.Allow(keyID + "/" + req.UserID.String())
	if d.Allowed {
		return true
	}
	d.WriteHeaders(w, h.now())
	zctx.From(r.Context()).Info("Checkout apply rate limited",
		zap.Stringer("user_id", req.UserID),
		zap.String("attempt_id", req.AttemptID),
	)
	httpmiddleware.WriteError(w, http.StatusTooManyRequests, "too many checkout attempts")
	return false
}

func cartFrom(req *checkoutRequest, r *http.Request) checkout.Cart {
	return checkout.Cart{
		AttemptID:        req.AttemptID,
		UserID:           req.UserID,
		SubscriptionID:   req.SubscriptionID,
		SubscriptionTier: req.SubscriptionTier,
		OriginalTotal:    req.Total,
		CurrentTotal:     req.Total,
		IPAddress:        httpmiddleware.ClientIP(r),
		UserAgent:        r.UserAgent(),
		RequestID:        httpmiddleware.RequestIDFromContext(r.Context()),
	}
}

// Quote previews a coupon against a cart total.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(w, r)
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.checkout.Quote(r.Context(), cartFrom(req, r), req.CouponCode)
	if err != nil {
		writeCheckoutError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeQuote(&e, q)
	writeJSON(w, http.StatusOK, &e)
}

// Apply applies a coupon to the checkout attempt identified by attemptId.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(w, r)
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AttemptID == "" {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "attemptId is required")
		return
	}
	if !h.allowApply(w, r, req) {
		return
	}

	ctx := r.Context()
	cart, err := h.checkout.ApplyCoupon(ctx, cartFrom(req, r), req.CouponCode)
	if err != nil {
		writeCheckoutError(w, r, err)
		return
	}

	session := h.checkoutSession(ctx, cart, req.CouponCode)

	var e jx.Encoder
	encodeCart(&e, cart, session)
	writeJSON(w, http.StatusOK, &e)
}

// checkoutSession opens a provider session for the discounted total when
// the provider supports it. The coupon is already redeemed at this point, so
// a provider failure is logged and the cart is still returned.
func (h *Handler) checkoutSession(ctx context.Context, cart *checkout.Cart, code string) *payment.CheckoutSession {
	if !h.payments.Capabilities().CheckoutSessions || !cart.CurrentTotal.IsPositive() {
		return nil
	}
	session, err := h.payments.CreateCheckoutSession(ctx, payment.CheckoutSessionRequest{
		AttemptID:  cart.AttemptID,
		UserID:     cart.UserID,
		Amount:     cart.CurrentTotal,
		CouponCode: code,
	})
	if err != nil {
		zctx.From(ctx).Warn("Create checkout session failed",
			zap.String("attempt_id", cart.AttemptID),
			zap.Error(err),
		)
		return nil
	}
	return session
}

// writeCheckoutError converts checkout errors to HTTP responses.
func writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	var vfErr *checkout.ValidationFailedError
	switch {
	case errors.As(err, &vfErr):
		var e jx.Encoder
		encodeValidationFailed(&e, vfErr.Reasons)
		writeJSON(w, http.StatusUnprocessableEntity, &e)
	case errors.Is(err, billing.ErrRedemptionLimitExceeded):
		httpmiddleware.WriteError(w, http.StatusConflict, "coupon redemption limit reached")
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		httpmiddleware.WriteError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, context.DeadlineExceeded):
		httpmiddleware.WriteError(w, http.StatusGatewayTimeout, "checkout timed out")
	default:
		zctx.From(r.Context()).Error("Checkout request failed", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
