package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/auth"
	"github.com/xenking/coupon-engine/pkg/httpmiddleware"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// SecurityHandler authenticates API requests via HMAC-SHA256 hashed API
// keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// HashKey returns the hex HMAC-SHA256 of key as stored in api_keys.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Require authenticates the api_key header and rejects keys without scope.
// Unknown keys get 401 and keys lacking the scope get 403.
func (s *SecurityHandler) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				httpmiddleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := r.Context()
			info, ok := s.lookup(r, key)
			if !ok {
				httpmiddleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			lg := zctx.From(ctx).With(zap.String("api_key_name", info.Name))
			if !info.HasScope(scope) {
				lg.Warn("API key lacks scope", zap.String("scope", scope))
				httpmiddleware.WriteError(w, http.StatusForbidden, "forbidden")
				return
			}

			ctx = auth.WithKey(zctx.Base(ctx, lg), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *SecurityHandler) lookup(r *http.Request, key string) (*auth.APIKeyInfo, bool) {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(key))
	hash := mac.Sum(nil)

	info, err := s.apikeys.FindByHash(r.Context(), hex.EncodeToString(hash))
	if err != nil {
		zctx.From(r.Context()).Debug("API key lookup failed", zap.Error(err))
		return nil, false
	}

	// The stored hash is compared in constant time even though the lookup
	// matched on it.
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, false
	}
	if subtle.ConstantTimeCompare(hash, stored) != 1 {
		return nil, false
	}
	return info, true
}
