package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-engine/internal/domain/checkout"
	"github.com/xenking/coupon-engine/internal/domain/payment"
)

const maxBodyBytes = 64 << 10

// checkoutRequest is the body of both checkout endpoints.
type checkoutRequest struct {
	AttemptID        string
	UserID           uuid.UUID
	SubscriptionID   *uuid.UUID
	SubscriptionTier string
	Total            decimal.Decimal
	CouponCode       string
}

func (req *checkoutRequest) Decode(d *jx.Decoder) error {
	var hasTotal bool
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "attemptId":
			v, err := d.Str()
			req.AttemptID = v
			return err
		case "userId":
			id, err := decodeUUID(d)
			req.UserID = id
			return err
		case "subscriptionId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			id, err := decodeUUID(d)
			if err != nil {
				return err
			}
			req.SubscriptionID = &id
			return nil
		case "subscriptionTier":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			req.SubscriptionTier = v
			return err
		case "total":
			v, err := decodeMoney(d)
			req.Total = v
			hasTotal = err == nil
			return err
		case "couponCode":
			v, err := d.Str()
			req.CouponCode = v
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return err
	}

	switch {
	case req.UserID == uuid.Nil:
		return errors.New("userId is required")
	case !hasTotal:
		return errors.New("total is required")
	case req.Total.IsNegative():
		return errors.New("total must not be negative")
	case strings.TrimSpace(req.CouponCode) == "":
		return errors.New("couponCode is required")
	}
	return nil
}

func decodeUUID(d *jx.Decoder) (uuid.UUID, error) {
	s, err := d.Str()
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "parse uuid %q", s)
	}
	return id, nil
}

// decodeMoney accepts both "12.50" and 12.5.
func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	default:
		return decimal.Decimal{}, errors.Errorf("money must be a string or number, got %s", d.Next())
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "parse amount %q", raw)
	}
	return v, nil
}

func readRequest(w http.ResponseWriter, r *http.Request) (*checkoutRequest, error) {
	var req checkoutRequest
	d := jx.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), 512)
	if err := req.Decode(d); err != nil {
		return nil, err
	}
	return &req, nil
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.Str(v.StringFixed(2))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeCart(e *jx.Encoder, c *checkout.Cart, session *payment.CheckoutSession) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("attemptId", func(e *jx.Encoder) { e.Str(c.AttemptID) })
		e.Field("userId", func(e *jx.Encoder) { e.Str(c.UserID.String()) })
		if c.SubscriptionID != nil {
			e.Field("subscriptionId", func(e *jx.Encoder) { e.Str(c.SubscriptionID.String()) })
		}
		e.Field("originalTotal", func(e *jx.Encoder) { money(e, c.OriginalTotal) })
		e.Field("currentTotal", func(e *jx.Encoder) { money(e, c.CurrentTotal) })
		if c.Applied != nil {
			e.Field("discount", func(e *jx.Encoder) { encodeApplied(e, c.Applied) })
		}
		if session != nil {
			e.Field("payment", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("sessionId", func(e *jx.Encoder) { e.Str(session.ID) })
					e.Field("url", func(e *jx.Encoder) { e.Str(session.URL) })
				})
			})
		}
	})
}

func encodeApplied(e *jx.Encoder, a *checkout.AppliedDiscount) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("couponId", func(e *jx.Encoder) { e.Str(a.CouponID.String()) })
		e.Field("code", func(e *jx.Encoder) { e.Str(a.Code) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(a.Kind)) })
		e.Field("redemptionId", func(e *jx.Encoder) { e.Str(a.RedemptionID.String()) })
		e.Field("amount", func(e *jx.Encoder) { money(e, a.Amount) })
		if a.SubscriptionPrice != nil {
			e.Field("subscriptionPrice", func(e *jx.Encoder) { money(e, *a.SubscriptionPrice) })
		}
		if a.PriceExpiresAt != nil {
			e.Field("priceExpiresAt", func(e *jx.Encoder) { timestamp(e, *a.PriceExpiresAt) })
		}
		if a.PeriodEnd != nil {
			e.Field("periodEnd", func(e *jx.Encoder) { timestamp(e, *a.PeriodEnd) })
		}
		if a.CreditsGranted > 0 {
			e.Field("creditsGranted", func(e *jx.Encoder) { e.Int64(a.CreditsGranted) })
		}
		if a.LicenseID != nil {
			e.Field("licenseId", func(e *jx.Encoder) { e.Str(a.LicenseID.String()) })
		}
		if a.LicenseKey != "" {
			e.Field("licenseKey", func(e *jx.Encoder) { e.Str(a.LicenseKey) })
		}
		e.Field("replayed", func(e *jx.Encoder) { e.Bool(a.Replayed) })
	})
}

func encodeQuote(e *jx.Encoder, q *checkout.Quote) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(q.Code) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(q.Kind)) })
		e.Field("originalTotal", func(e *jx.Encoder) { money(e, q.OriginalTotal) })
		e.Field("finalTotal", func(e *jx.Encoder) { money(e, q.FinalTotal) })
		e.Field("discount", func(e *jx.Encoder) { money(e, q.Discount) })
	})
}

func encodeValidationFailed(e *jx.Encoder, reasons []string) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(http.StatusUnprocessableEntity) })
		e.Field("message", func(e *jx.Encoder) { e.Str("coupon validation failed") })
		e.Field("reasons", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, r := range reasons {
					e.Str(r)
				}
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
