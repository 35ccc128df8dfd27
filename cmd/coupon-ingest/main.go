// Command coupon-ingest loads coupon definitions from gzip-compressed CSV
// batch files into the coupons table.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
	"github.com/xenking/coupon-engine/internal/repository"
)

const (
	bloomFPR  = 0.001
	copyChunk = 5_000
)

// couponStore is the part of repository.CouponRepository the ingest uses.
type couponStore interface {
	ListAllCodes(ctx context.Context) ([]string, error)
	CopyNew(ctx context.Context, rules []coupon.Rule) (int64, error)
	Upsert(ctx context.Context, rule *coupon.Rule) error
}

type options struct {
	dataDir     string
	pattern     string
	databaseURL string
	skipInvalid bool
	dryRun      bool
}

func main() {
	var opts options

	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing coupon batch files")
	flag.StringVar(&opts.pattern, "pattern", "*.csv.gz", "glob of batch files inside data-dir")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&opts.skipInvalid, "skip-invalid", false, "load valid rows even if some rows are rejected")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "parse and validate without writing")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, flag.Args()); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, opts options, files []string) error {
	if len(files) == 0 {
		matches, err := filepath.Glob(filepath.Join(opts.dataDir, opts.pattern))
		if err != nil {
			return errors.Wrap(err, "glob batch files")
		}
		files = matches
	}
	if len(files) == 0 {
		return errors.Errorf("no batch files matching %s in %s", opts.pattern, opts.dataDir)
	}

	slog.Info("parsing batch files", slog.Int("files", len(files)))
	batches, err := readBatches(ctx, files)
	if err != nil {
		return errors.Wrap(err, "read batches")
	}

	var rejected int
	for _, b := range batches {
		for _, rowErr := range b.invalid {
			slog.Warn("rejected coupon row", slog.String("error", rowErr.Error()))
		}
		rejected += len(b.invalid)
	}
	if rejected > 0 && !opts.skipInvalid {
		return errors.Errorf("%d rows rejected; fix them or pass --skip-invalid", rejected)
	}

	rules, overridden := mergeBatches(batches)
	for _, code := range overridden {
		slog.Warn("code defined more than once, last definition wins", slog.String("code", code))
	}
	slog.Info("coupon definitions parsed", slog.Int("coupons", len(rules)), slog.Int("rejected", rejected))

	if opts.dryRun || len(rules) == 0 {
		return nil
	}

	pool, err := repository.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return writeCoupons(ctx, repository.NewCouponRepository(pool), rules)
}

// readBatches parses every file concurrently.
func readBatches(ctx context.Context, files []string) ([]*batch, error) {
	batches := make([]*batch, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			b, err := readBatchFile(ctx, path)
			if err != nil {
				return err
			}
			slog.Info("batch parsed",
				slog.String("file", path),
				slog.Int("coupons", len(b.rules)),
				slog.Int("rejected", len(b.invalid)),
			)
			batches[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

// splitByExisting partitions rules into codes that are certainly not stored
// yet and codes that may be. The bloom filter has no false negatives, so the
// fresh set is safe to COPY; the rest goes through the upsert path.
func splitByExisting(existing []string, rules []coupon.Rule) (fresh, maybe []coupon.Rule) {
	capacity := uint(len(existing))
	if capacity == 0 {
		return rules, nil
	}
	filter := bloom.NewWithEstimates(capacity, bloomFPR)
	for _, code := range existing {
		filter.AddString(strings.ToUpper(code))
	}

	for _, rule := range rules {
		if filter.TestString(strings.ToUpper(rule.Code)) {
			maybe = append(maybe, rule)
		} else {
			fresh = append(fresh, rule)
		}
	}
	return fresh, maybe
}

func writeCoupons(ctx context.Context, store couponStore, rules []coupon.Rule) error {
	existing, err := store.ListAllCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list existing codes")
	}

	fresh, maybe := splitByExisting(existing, rules)
	slog.Info("writing coupons",
		slog.Int("new", len(fresh)),
		slog.Int("maybe_existing", len(maybe)),
	)

	for start := 0; start < len(fresh); start += copyChunk {
		end := min(start+copyChunk, len(fresh))
		n, err := store.CopyNew(ctx, fresh[start:end])
		if err != nil {
			return errors.Wrapf(err, "copy coupons %d-%d", start, end)
		}
		slog.Info("copy progress", slog.Int64("copied", n), slog.Int("written", end), slog.Int("total", len(fresh)))
	}

	for i := range maybe {
		if err := store.Upsert(ctx, &maybe[i]); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", maybe[i].Code)
		}
		if (i+1)%100 == 0 || i+1 == len(maybe) {
			slog.Info("upsert progress", slog.Int("written", i+1), slog.Int("total", len(maybe)))
		}
	}
	return nil
}
