package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (COUPON_ prefix), flags, or YAML config files.
type Config struct {
	Addr            string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL     string        `usage:"PostgreSQL connection URL (COUPON_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper    string        `usage:"HMAC pepper for API key hashing (COUPON_API_KEY_PEPPER)" flag:"api-key-pepper"`
	CheckoutTimeout time.Duration `default:"5s" usage:"Upper bound for one coupon application" flag:"checkout-timeout"`
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	Graceful        GracefulConfig
	License         LicenseConfig
	Sweep           SweepConfig
	Prefilter       PrefilterConfig
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
	// ByAPIKey keys the limiter on the api_key header instead of client IP.
	ByAPIKey bool `default:"false" usage:"Rate limit per API key" flag:"rate-limit-by-key"`
	// ApplyPerUser caps coupon applications per API key and user. Zero disables it.
	ApplyPerUser int           `default:"10" usage:"Max coupon applications per user and window" flag:"rate-limit-apply"`
	ApplyWindow  time.Duration `default:"1m" usage:"Window for the per-user apply limit" flag:"rate-limit-apply-window"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LicenseConfig controls licenses granted by full buyout coupons.
type LicenseConfig struct {
	Version string `default:"1" usage:"Product version stamped on granted licenses" flag:"license-version"`
}

// SweepConfig controls reverting expired tier discounts.
type SweepConfig struct {
	Enabled   bool          `default:"true" usage:"Revert expired tier discounts" flag:"sweep-enabled"`
	Interval  time.Duration `default:"1m"   usage:"Time between expiry sweeps" flag:"sweep-interval"`
	BatchSize int           `default:"100"  usage:"Adjustments reverted per transaction" flag:"sweep-batch-size"`
}

// PrefilterConfig sizes the bloom filter of known coupon codes.
type PrefilterConfig struct {
	Enabled           bool          `default:"true"   usage:"Reject unknown codes without a database lookup" flag:"prefilter-enabled"`
	Capacity          uint          `default:"100000" usage:"Expected number of coupon codes" flag:"prefilter-capacity"`
	FalsePositiveRate float64       `default:"0.001"  usage:"Bloom filter false positive rate" flag:"prefilter-fpr"`
	RefreshInterval   time.Duration `default:"5m"     usage:"Reload codes from the database" flag:"prefilter-refresh"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "COUPON",
		Files:     []string{"config.yaml", "/etc/coupon-engine/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set COUPON_DATABASE_URL or DATABASE_URL")
	case c.APIKeyPepper == "":
		return errors.New("api key pepper is required: set COUPON_API_KEY_PEPPER")
	case c.Sweep.Enabled && c.Sweep.Interval <= 0:
		return errors.Errorf("sweep interval must be positive, got %s", c.Sweep.Interval)
	case c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0:
		return errors.Errorf("rate limit needs a positive max and window, got %d per %s", c.RateLimit.Max, c.RateLimit.Window)
	case c.RateLimit.ApplyPerUser > 0 && c.RateLimit.ApplyWindow <= 0:
		return errors.Errorf("apply rate limit window must be positive, got %s", c.RateLimit.ApplyWindow)
	case c.Prefilter.Enabled && (c.Prefilter.FalsePositiveRate <= 0 || c.Prefilter.FalsePositiveRate >= 1):
		return errors.Errorf("prefilter false positive rate must be in (0, 1), got %v", c.Prefilter.FalsePositiveRate)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's COUPON_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
