// Package auth describes the API keys storefronts use to call the checkout
// API.
package auth

import (
	"context"
	"slices"
)

// ScopeCheckout permits quoting and applying coupons.
const ScopeCheckout = "checkout"

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key was granted scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

type keyCtx struct{}

// WithKey attaches the authenticated key to ctx.
func WithKey(ctx context.Context, k *APIKeyInfo) context.Context {
	return context.WithValue(ctx, keyCtx{}, k)
}

// KeyFrom returns the key attached by WithKey, or nil.
func KeyFrom(ctx context.Context) *APIKeyInfo {
	k, _ := ctx.Value(keyCtx{}).(*APIKeyInfo)
	return k
}
