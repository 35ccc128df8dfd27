package coupon

import (
	"context"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
)

// Prefilter is a bloom filter over issued coupon codes. A negative answer is
// definitive, so guessed codes are rejected without a database round trip.
// Codes are matched case-insensitively, like the repository lookup.
type Prefilter struct {
	capacity uint
	fpr      float64

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewPrefilter returns an empty Prefilter sized for capacity codes at the
// given false positive rate.
func NewPrefilter(capacity uint, fpr float64) *Prefilter {
	return &Prefilter{
		capacity: capacity,
		fpr:      fpr,
		filter:   bloom.NewWithEstimates(capacity, fpr),
	}
}

// MayContain reports whether code might have been issued.
func (p *Prefilter) MayContain(code string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter.TestString(normalizeCode(code))
}

// Add records a newly issued code.
func (p *Prefilter) Add(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter.AddString(normalizeCode(code))
}

// Reload rebuilds the filter from the repository's active codes and swaps it
// in atomically.
func (p *Prefilter) Reload(ctx context.Context, repo Repository) (int, error) {
	codes, err := repo.ListActiveCodes(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list active codes")
	}

	filter := bloom.NewWithEstimates(p.capacity, p.fpr)
	for _, code := range codes {
		filter.AddString(normalizeCode(code))
	}

	p.mu.Lock()
	p.filter = filter
	p.mu.Unlock()

	return len(codes), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
