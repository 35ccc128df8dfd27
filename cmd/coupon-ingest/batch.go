package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

// Columns of a coupon batch file. Only code and kind are required; the
// kind decides which of the parameter columns must be set.
const (
	colCode           = "code"
	colKind           = "kind"
	colPercentage     = "percentage"
	colFixedAmount    = "fixed_amount"
	colDurationMonths = "duration_months"
	colBonusMonths    = "bonus_months"
	colTier           = "tier"
	colMinCartTotal   = "min_cart_total"
	colMaxUses        = "max_uses"
	colMaxPerUser     = "max_per_user"
	colValidFrom      = "valid_from"
	colValidUntil     = "valid_until"
	colDescription    = "description"
)

// defaultMaxPerUser applies when the column is absent or empty.
const defaultMaxPerUser = 1

// RowError describes a rejected line of a batch file.
type RowError struct {
	File string
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return e.File + ":" + strconv.Itoa(e.Line) + ": " + e.Err.Error()
}

func (e *RowError) Unwrap() error { return e.Err }

// batch is the parsed content of one file.
type batch struct {
	path    string
	rules   []coupon.Rule
	invalid []*RowError
}

// readBatchFile parses a gzip-compressed CSV coupon batch.
func readBatchFile(ctx context.Context, path string) (*batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return parseBatch(ctx, path, gz)
}

func parseBatch(ctx context.Context, path string, r io.Reader) (*batch, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "read header of %s", path)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colCode, colKind} {
		if _, ok := cols[required]; !ok {
			return nil, errors.Errorf("%s: missing %q column", path, required)
		}
	}

	b := &batch{path: path}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return b, nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				b.invalid = append(b.invalid, &RowError{File: path, Line: parseErr.Line, Err: parseErr.Err})
				continue
			}
			return nil, errors.Wrapf(err, "read %s", path)
		}

		line, _ := cr.FieldPos(0)
		rule, err := parseRule(row{cols: cols, record: record})
		if err != nil {
			b.invalid = append(b.invalid, &RowError{File: path, Line: line, Err: err})
			continue
		}
		b.rules = append(b.rules, rule)
	}
}

type row struct {
	cols   map[string]int
	record []string
}

func (r row) get(col string) string {
	i, ok := r.cols[col]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

func parseRule(r row) (coupon.Rule, error) {
	rule := coupon.Rule{
		ID:          uuid.New(),
		Code:        r.get(colCode),
		Kind:        coupon.Kind(strings.ToLower(r.get(colKind))),
		Tier:        r.get(colTier),
		Description: r.get(colDescription),
		MaxPerUser:  defaultMaxPerUser,
	}
	if rule.Code == "" {
		return coupon.Rule{}, errors.New("empty code")
	}

	var err error
	if rule.Percentage, err = nullDecimal(r.get(colPercentage)); err != nil {
		return coupon.Rule{}, errors.Wrap(err, colPercentage)
	}
	if rule.FixedAmount, err = nullDecimal(r.get(colFixedAmount)); err != nil {
		return coupon.Rule{}, errors.Wrap(err, colFixedAmount)
	}
	if rule.DurationMonths, err = optInt(r.get(colDurationMonths)); err != nil {
		return coupon.Rule{}, errors.Wrap(err, colDurationMonths)
	}
	if rule.BonusMonths, err = optInt(r.get(colBonusMonths)); err != nil {
		return coupon.Rule{}, errors.Wrap(err, colBonusMonths)
	}
	if v := r.get(colMinCartTotal); v != "" {
		if rule.MinCartTotal, err = decimal.NewFromString(v); err != nil {
			return coupon.Rule{}, errors.Wrap(err, colMinCartTotal)
		}
	}
	if v := r.get(colMaxUses); v != "" {
		if rule.MaxUses, err = strconv.Atoi(v); err != nil {
			return coupon.Rule{}, errors.Wrap(err, colMaxUses)
		}
	}
	if v := r.get(colMaxPerUser); v != "" {
		if rule.MaxPerUser, err = strconv.Atoi(v); err != nil {
			return coupon.Rule{}, errors.Wrap(err, colMaxPerUser)
		}
	}
	if rule.ValidFrom, err = optTime(r.get(colValidFrom)); err != nil {
		return coupon.Rule{}, errors.Wrap(err, colValidFrom)
	}
	if rule.ValidUntil, err = optTime(r.get(colValidUntil)); err != nil {
		return coupon.Rule{}, errors.Wrap(err, colValidUntil)
	}

	// Reject definitions the validator would never accept.
	if _, err := rule.Descriptor(); err != nil {
		return coupon.Rule{}, err
	}
	return rule, nil
}

func nullDecimal(v string) (decimal.NullDecimal, error) {
	if v == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func optInt(v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func optTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// mergeBatches dedupes codes across batches case-insensitively. A later
// batch overrides an earlier one; overridden codes are returned.
func mergeBatches(batches []*batch) (rules []coupon.Rule, overridden []string) {
	index := make(map[string]int)
	for _, b := range batches {
		for _, rule := range b.rules {
			key := strings.ToUpper(rule.Code)
			if i, ok := index[key]; ok {
				rules[i] = rule
				overridden = append(overridden, rule.Code)
				continue
			}
			index[key] = len(rules)
			rules = append(rules, rule)
		}
	}
	return rules, overridden
}
