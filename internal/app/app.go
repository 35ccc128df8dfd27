// Package app wires the coupon engine's dependencies and runs the API
// server together with its background workers.
package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/coupon-engine/internal/domain/checkout"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
	"github.com/xenking/coupon-engine/internal/domain/expiry"
	"github.com/xenking/coupon-engine/internal/domain/license"
	"github.com/xenking/coupon-engine/internal/domain/payment"
	"github.com/xenking/coupon-engine/internal/domain/redemption"
	"github.com/xenking/coupon-engine/internal/handler"
	"github.com/xenking/coupon-engine/internal/repository"
	"github.com/xenking/coupon-engine/pkg/health"
	"github.com/xenking/coupon-engine/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))
	ctx = zctx.Base(ctx, lg)

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Repositories.
	store := repository.NewStore(pool)
	couponRepo := repository.NewCouponRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	// Coupon code prefilter.
	var prefilter *coupon.Prefilter
	if cfg.Prefilter.Enabled {
		prefilter = coupon.NewPrefilter(cfg.Prefilter.Capacity, cfg.Prefilter.FalsePositiveRate)
		n, err := prefilter.Reload(ctx, couponRepo)
		if err != nil {
			return errors.Wrap(err, "load coupon prefilter")
		}
		lg.Info("Coupon prefilter loaded", zap.Int("codes", n))
	}

	// Domain services.
	validator := coupon.NewRepoValidator(couponRepo, prefilter)
	applicator := checkout.NewApplicator(license.NewGranter(cfg.License.Version))
	checkoutSvc, err := checkout.NewService(validator, store, applicator, redemption.NewRecorder(),
		checkout.WithTimeout(cfg.CheckoutTimeout),
		checkout.WithTracerProvider(m.TracerProvider()),
		checkout.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}
	sweeper := expiry.NewSweeper(store, cfg.Sweep.BatchSize)

	// Health check service.
	healthSvc := health.New()
	healthSvc.Register(health.Readiness, "postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.Register(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))
	if cfg.Sweep.Enabled {
		var beat health.Heartbeat
		sweeper.OnSweep(beat.Beat)
		healthSvc.Register(health.Liveness, "expiry_sweeper", time.Second,
			health.FreshnessCheck(&beat, 5*cfg.Sweep.Interval, time.Now))
	}
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	// HTTP routes.
	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	globalLimit := httpmiddleware.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	limiters := []*httpmiddleware.Limiter{globalLimit}
	var handlerOpts []handler.Option
	if cfg.RateLimit.ApplyPerUser > 0 {
		applyLimit := httpmiddleware.NewLimiter(cfg.RateLimit.ApplyPerUser, cfg.RateLimit.ApplyWindow)
		limiters = append(limiters, applyLimit)
		handlerOpts = append(handlerOpts, handler.WithApplyLimit(applyLimit))
	}
	handler.NewHandler(checkoutSvc, payment.Unimplemented{}, handlerOpts...).
		Routes(router, handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper)))

	var rateKey httpmiddleware.KeyFunc
	if cfg.RateLimit.ByAPIKey {
		rateKey = httpmiddleware.KeyByHeader(handler.APIKeyHeader)
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(router,
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(lg),
				httpmiddleware.LogRequests(),
				httpmiddleware.Recovery(),
				httpmiddleware.CORS(httpmiddleware.CORSConfig{
					AllowOrigins:     cfg.CORS.Origins,
					AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader},
					AllowCredentials: cfg.CORS.AllowCredentials,
					MaxAge:           86400,
				}),
				httpmiddleware.RateLimit(globalLimit, rateKey),
			),
			"coupon-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Sweep.Enabled {
		g.Go(func() error {
			return sweeper.Run(gctx, cfg.Sweep.Interval)
		})
	}
	for _, l := range limiters {
		g.Go(func() error {
			return l.Run(gctx)
		})
	}
	if prefilter != nil && cfg.Prefilter.RefreshInterval > 0 {
		g.Go(func() error {
			refreshPrefilter(gctx, prefilter, couponRepo, cfg.Prefilter.RefreshInterval)
			return nil
		})
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		healthSvc.SetReady(true)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

// refreshPrefilter reloads the code prefilter every interval so codes issued
// by other instances or the ingest tool become redeemable here.
func refreshPrefilter(ctx context.Context, p *coupon.Prefilter, repo coupon.Repository, interval time.Duration) {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Reload(ctx, repo)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				lg.Warn("Coupon prefilter refresh failed, keeping previous filter", zap.Error(err))
				continue
			}
			lg.Debug("Coupon prefilter refreshed", zap.Int("codes", n))
		}
	}
}
